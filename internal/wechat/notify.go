package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ruminer/go-wechat-backend/internal/domain"
	"github.com/ruminer/go-wechat-backend/internal/repo"
)

// accessTokenKey is the shared KV key under which the platform access token
// is cached across instances.
const accessTokenKey = "wechat:access_token"

// tokenSkew keeps a margin so a token is never presented right at expiry.
const tokenSkew = 90 * time.Second

// ErrNotifyConfig indicates the notification channel is not configured.
var ErrNotifyConfig = errors.New("wechat: notification channel not configured")

// Notifier sends out-of-band text messages to a sender through the platform's
// customer-service API. Access tokens are resolved through a two-tier cache:
// an in-process copy first, then the shared KV store, then a remote issue
// call (stable endpoint with legacy fallback). The KV tier avoids refresh
// storms that would invalidate tokens held by sibling instances.
type Notifier struct {
	AppID     string
	AppSecret string
	HTTP      *http.Client
	Store     repo.Store
	APIBase   string // override for tests; default https://api.weixin.qq.com

	// Now is a clock seam for tests; nil means time.Now.
	Now func() time.Time

	mu  sync.Mutex
	mem domain.AccessToken
}

// NewNotifier builds a Notifier. Returns nil when credentials are absent so
// callers can treat "no notifier" as synchronous mode.
func NewNotifier(appID, appSecret string, store repo.Store) *Notifier {
	if appID == "" || appSecret == "" {
		return nil
	}
	return &Notifier{
		AppID:     appID,
		AppSecret: appSecret,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
		Store:     store,
		APIBase:   "https://api.weixin.qq.com",
	}
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// SendText delivers one text message to the given openid.
func (n *Notifier) SendText(ctx context.Context, toUser, content string) error {
	token, err := n.accessToken(ctx)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/message/custom/send?access_token=%s", n.APIBase, url.QueryEscape(token))
	payload, err := json.Marshal(map[string]any{
		"touser":  toUser,
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("wechat: send text: %w", err)
	}
	defer res.Body.Close()

	var body struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	_ = json.NewDecoder(res.Body).Decode(&body)
	if res.StatusCode != http.StatusOK || body.ErrCode != 0 {
		return fmt.Errorf("wechat: send text failed: status=%d errcode=%d", res.StatusCode, body.ErrCode)
	}
	return nil
}

// accessToken returns a usable token, consulting memory, the KV store, and
// finally the platform. Cache failures on either tier are swallowed: a cache
// is an optimization, not a dependency.
func (n *Notifier) accessToken(ctx context.Context) (string, error) {
	if n.AppID == "" || n.AppSecret == "" {
		return "", ErrNotifyConfig
	}
	now := n.now()

	n.mu.Lock()
	if n.mem.Usable(now, tokenSkew) {
		tok := n.mem.AccessToken
		n.mu.Unlock()
		return tok, nil
	}
	n.mu.Unlock()

	if n.Store != nil {
		if raw, found, err := n.Store.Get(ctx, accessTokenKey); err == nil && found {
			var cached domain.AccessToken
			if json.Unmarshal([]byte(raw), &cached) == nil && cached.Usable(now, tokenSkew) {
				n.mu.Lock()
				n.mem = cached
				n.mu.Unlock()
				return cached.AccessToken, nil
			}
		}
	}

	token, expiresIn, err := n.issueToken(ctx)
	if err != nil {
		return "", err
	}

	// Clamp and keep a safety margin before the platform-side expiry.
	if expiresIn > 7200 {
		expiresIn = 7200
	}
	ttl := time.Duration(expiresIn)*time.Second - 5*time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	cached := domain.AccessToken{
		AccessToken: token,
		ExpiresAtMs: now.Add(ttl).UnixMilli(),
		UpdatedAt:   now.UTC(),
	}

	n.mu.Lock()
	n.mem = cached
	n.mu.Unlock()

	if n.Store != nil {
		if raw, err := json.Marshal(cached); err == nil {
			if err := n.Store.Put(ctx, accessTokenKey, string(raw), ttl); err != nil {
				log.Warn().Err(err).Msg("access token cache write failed")
			}
		}
	}
	return token, nil
}

// issueToken requests a fresh token: stable endpoint first, legacy fallback.
func (n *Notifier) issueToken(ctx context.Context) (string, int, error) {
	token, expiresIn, err := n.issueStable(ctx)
	if err == nil {
		return token, expiresIn, nil
	}
	log.Warn().Err(err).Msg("stable token endpoint failed, falling back to legacy")
	return n.issueLegacy(ctx)
}

func (n *Notifier) issueStable(ctx context.Context) (string, int, error) {
	payload, err := json.Marshal(map[string]any{
		"grant_type":    "client_credential",
		"appid":         n.AppID,
		"secret":        n.AppSecret,
		"force_refresh": false,
	})
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.APIBase+"/cgi-bin/stable_token", bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return n.decodeTokenResponse(req)
}

func (n *Notifier) issueLegacy(ctx context.Context) (string, int, error) {
	endpoint := fmt.Sprintf("%s/cgi-bin/token?grant_type=client_credential&appid=%s&secret=%s",
		n.APIBase, url.QueryEscape(n.AppID), url.QueryEscape(n.AppSecret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, err
	}
	return n.decodeTokenResponse(req)
}

func (n *Notifier) decodeTokenResponse(req *http.Request) (string, int, error) {
	res, err := n.HTTP.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("wechat: token request: %w", err)
	}
	defer res.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
	}
	_ = json.NewDecoder(res.Body).Decode(&body)
	if res.StatusCode != http.StatusOK || body.AccessToken == "" {
		return "", 0, fmt.Errorf("wechat: token issue failed: status=%d errcode=%d", res.StatusCode, body.ErrCode)
	}
	if body.ExpiresIn <= 0 {
		body.ExpiresIn = 7200
	}
	return body.AccessToken, body.ExpiresIn, nil
}
