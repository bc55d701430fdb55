package handlers

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ruminer/go-wechat-backend/internal/articles"
	"github.com/ruminer/go-wechat-backend/internal/github"
	"github.com/ruminer/go-wechat-backend/internal/ledger"
	"github.com/ruminer/go-wechat-backend/internal/repo"
	"github.com/ruminer/go-wechat-backend/internal/services"
	"github.com/ruminer/go-wechat-backend/internal/vault"
	"github.com/ruminer/go-wechat-backend/internal/wechat"
)

const (
	testToken  = "callback-token"
	testAESKey = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQ"
	testAppID  = "wxappid001"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: map[string]string{}} }

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Put(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

type stubFetcher struct{ calls int }

func (f *stubFetcher) Fetch(_ context.Context, _, title string) (*articles.Article, error) {
	f.calls++
	return &articles.Article{Markdown: "# md", Title: title}, nil
}

type stubPublisher struct{ calls int }

func (p *stubPublisher) PutMarkdown(_ context.Context, _, _, _, title, _, _ string) (*github.PutResult, error) {
	p.calls++
	return &github.PutResult{Title: title, Path: "articles/x.md", HTMLURL: "https://github.com/o/r/blob/main/articles/x.md"}, nil
}

type fixture struct {
	handler   *CallbackHandler
	router    *gin.Engine
	store     *memStore
	fetcher   *stubFetcher
	publisher *stubPublisher
	bindSvc   *services.BindService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	bindings := &repo.Bindings{Store: store}
	jobLedger := &ledger.Ledger{
		Store:         store,
		Staleness:     2 * time.Minute,
		ProcessingTTL: 7 * 24 * time.Hour,
		SuccessTTL:    30 * 24 * time.Hour,
		FailedTTL:     24 * time.Hour,
	}
	codec, err := wechat.NewCodec(testAESKey, testAppID)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	guard := &wechat.ReplayGuard{
		Store:     store,
		Tolerance: 600 * time.Second,
		TTLFloor:  60 * time.Second,
	}
	fetcher := &stubFetcher{}
	publisher := &stubPublisher{}
	bindSvc := &services.BindService{Bindings: bindings, VerifyOnBind: false}
	linkSvc := &services.LinkService{
		Bindings:  bindings,
		Ledger:    jobLedger,
		Fetcher:   fetcher,
		Publisher: publisher,
		Runner:    &services.Runner{},
	}

	h := NewCallbackHandler(testToken, codec, guard, bindSvc, linkSvc)
	r := gin.New()
	r.GET("/api/callback", h.Verify)
	r.POST("/api/callback", h.Callback)
	return &fixture{handler: h, router: r, store: store, fetcher: fetcher, publisher: publisher, bindSvc: bindSvc}
}

// bindUser installs a binding and the vault needed to use it.
func (f *fixture) bindUser(t *testing.T, openid string) {
	t.Helper()
	v, err := vault.New(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	f.bindSvc.Vault = v
	f.handler.Link.Vault = v
	reply := f.bindSvc.HandleText(context.Background(), openid, "bind ghp_x o/r")
	if !strings.HasPrefix(reply, "Binding saved.") {
		t.Fatalf("bind reply = %q", reply)
	}
}

func sign(fields ...string) string {
	sort.Strings(fields)
	sum := sha1.Sum([]byte(strings.Join(fields, "")))
	return hex.EncodeToString(sum[:])
}

// plainQuery builds a valid plain-mode query string.
func plainQuery(ts, nonce string) string {
	q := url.Values{}
	q.Set("timestamp", ts)
	q.Set("nonce", nonce)
	q.Set("signature", sign(testToken, ts, nonce))
	return q.Encode()
}

func freshTS() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func (f *fixture) get(t *testing.T, rawQuery string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/callback?"+rawQuery, nil)
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) post(t *testing.T, rawQuery, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/callback?"+rawQuery, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/xml")
	f.router.ServeHTTP(w, req)
	return w
}

func linkXML(from, linkURL, title, msgID string) string {
	return fmt.Sprintf(`<xml>
		<ToUserName><![CDATA[gh_account]]></ToUserName>
		<FromUserName><![CDATA[%s]]></FromUserName>
		<MsgType><![CDATA[link]]></MsgType>
		<Url><![CDATA[%s]]></Url>
		<Title><![CDATA[%s]]></Title>
		<MsgId>%s</MsgId>
	</xml>`, from, linkURL, title, msgID)
}

func textXML(from, content string) string {
	return fmt.Sprintf(`<xml>
		<ToUserName><![CDATA[gh_account]]></ToUserName>
		<FromUserName><![CDATA[%s]]></FromUserName>
		<MsgType><![CDATA[text]]></MsgType>
		<Content><![CDATA[%s]]></Content>
	</xml>`, from, content)
}

func TestVerify_PlainEcho(t *testing.T) {
	f := newFixture(t)
	ts, nonce := freshTS(), "11112222"
	q := url.Values{}
	q.Set("timestamp", ts)
	q.Set("nonce", nonce)
	q.Set("signature", sign(testToken, ts, nonce))
	q.Set("echostr", "echo-me-back")

	w := f.get(t, q.Encode())
	if w.Code != http.StatusOK || w.Body.String() != "echo-me-back" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestVerify_BadSignature(t *testing.T) {
	f := newFixture(t)
	q := url.Values{}
	q.Set("timestamp", freshTS())
	q.Set("nonce", "11112222")
	q.Set("signature", "forged")
	q.Set("echostr", "echo")

	w := f.get(t, q.Encode())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
	if strings.Contains(w.Body.String(), "sha1") {
		t.Fatalf("rejection must not leak detail: %q", w.Body.String())
	}
}

func TestVerify_EncryptedEcho(t *testing.T) {
	f := newFixture(t)
	enc, err := f.handler.Codec.Encrypt("secret-echo")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ts, nonce := freshTS(), "33334444"
	q := url.Values{}
	q.Set("timestamp", ts)
	q.Set("nonce", nonce)
	q.Set("msg_signature", wechat.MsgSignature(testToken, ts, nonce, enc))
	q.Set("echostr", enc)

	w := f.get(t, q.Encode())
	if w.Code != http.StatusOK || w.Body.String() != "secret-echo" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestCallback_TextGetsHelpReply(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, plainQuery(freshTS(), "n1"), textXML("oSenderOpenID", "hello"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Available commands:") {
		t.Fatalf("reply:\n%s", body)
	}
	// Reply direction is swapped: to the sender, from the account.
	if !strings.Contains(body, "<ToUserName><![CDATA[oSenderOpenID]]></ToUserName>") {
		t.Fatalf("reply direction:\n%s", body)
	}
}

func TestCallback_LinkSyncPublish(t *testing.T) {
	f := newFixture(t)
	f.bindUser(t, "oSender")

	w := f.post(t, plainQuery(freshTS(), "n2"), linkXML("oSender", "https://example.com/a", "A Post", "123"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Saved: A Post") {
		t.Fatalf("reply:\n%s", w.Body.String())
	}
	if f.publisher.calls != 1 {
		t.Fatalf("publish calls = %d", f.publisher.calls)
	}
}

func TestCallback_DuplicateLinkReplays(t *testing.T) {
	f := newFixture(t)
	f.bindUser(t, "oSender")

	f.post(t, plainQuery(freshTS(), "d1"), linkXML("oSender", "https://example.com/a", "A Post", "123"))
	w := f.post(t, plainQuery(freshTS(), "d2"), linkXML("oSender", "https://example.com/a", "A Post", "123"))

	if !strings.Contains(w.Body.String(), "Already saved:") {
		t.Fatalf("second reply:\n%s", w.Body.String())
	}
	if f.publisher.calls != 1 {
		t.Fatalf("publish calls = %d; duplicate must not re-run", f.publisher.calls)
	}
}

func TestCallback_FreshProcessingMsgIDSaysWait(t *testing.T) {
	f := newFixture(t)
	f.bindUser(t, "oSender")

	// A fresh claim for msgid 123 exists.
	key := ledger.JobKey("oSender", "123", "https://example.com/a", time.Now())
	if err := f.handler.Link.Ledger.MarkProcessing(context.Background(), key, "https://example.com/a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	w := f.post(t, plainQuery(freshTS(), "p1"), linkXML("oSender", "https://example.com/a", "A Post", "123"))
	if !strings.Contains(w.Body.String(), "Still processing") {
		t.Fatalf("reply:\n%s", w.Body.String())
	}
	if f.publisher.calls != 0 {
		t.Fatalf("a fresh claim must not start a second execution")
	}
}

func TestCallback_ReplayRejected(t *testing.T) {
	f := newFixture(t)
	ts := freshTS()
	q := plainQuery(ts, "same-nonce")

	if w := f.post(t, q, textXML("oSender", "hi")); w.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", w.Code)
	}
	w := f.post(t, q, textXML("oSender", "hi"))
	if w.Code != http.StatusBadRequest || w.Body.String() != "invalid request" {
		t.Fatalf("replay: status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestCallback_StaleTimestampRejected(t *testing.T) {
	f := newFixture(t)
	old := strconv.FormatInt(time.Now().Add(-11*time.Minute).Unix(), 10)
	w := f.post(t, plainQuery(old, "n9"), textXML("oSender", "hi"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestCallback_BadSignature(t *testing.T) {
	f := newFixture(t)
	q := url.Values{}
	q.Set("timestamp", freshTS())
	q.Set("nonce", "n3")
	q.Set("signature", "forged")
	w := f.post(t, q.Encode(), textXML("oSender", "hi"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
	if f.publisher.calls != 0 {
		t.Fatalf("unauthenticated request must not reach services")
	}
}

func TestCallback_UnsupportedMsgType(t *testing.T) {
	f := newFixture(t)
	body := `<xml>
		<ToUserName><![CDATA[gh]]></ToUserName>
		<FromUserName><![CDATA[oSender]]></FromUserName>
		<MsgType><![CDATA[image]]></MsgType>
	</xml>`
	w := f.post(t, plainQuery(freshTS(), "n4"), body)
	if !strings.Contains(w.Body.String(), services.MsgUnsupportedType) {
		t.Fatalf("reply:\n%s", w.Body.String())
	}
}

func TestCallback_EncryptedRoundTrip(t *testing.T) {
	f := newFixture(t)
	inner := textXML("oSender", "hello")
	enc, err := f.handler.Codec.Encrypt(inner)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ts, nonce := freshTS(), "55556666"
	wrapper := fmt.Sprintf(`<xml><ToUserName><![CDATA[gh]]></ToUserName><Encrypt><![CDATA[%s]]></Encrypt></xml>`, enc)

	q := url.Values{}
	q.Set("timestamp", ts)
	q.Set("nonce", nonce)
	q.Set("msg_signature", wechat.MsgSignature(testToken, ts, nonce, enc))

	w := f.post(t, q.Encode(), wrapper)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%q", w.Code, w.Body.String())
	}

	// The reply is an encrypted wrapper with fresh signature material.
	reply, err := wechat.ParseMessage(w.Body.Bytes())
	if err != nil {
		t.Fatalf("reply parse: %v", err)
	}
	if reply.Encrypt == "" {
		t.Fatalf("reply must be encrypted:\n%s", w.Body.String())
	}
	plain, err := f.handler.Codec.Decrypt(reply.Encrypt)
	if err != nil {
		t.Fatalf("reply decrypt: %v", err)
	}
	if !strings.Contains(plain, "Available commands:") {
		t.Fatalf("decrypted reply:\n%s", plain)
	}
	if strings.Contains(w.Body.String(), "Available commands:") {
		t.Fatalf("plaintext leaked into encrypted reply")
	}
}

func TestCallback_EncryptedTamperedCiphertext(t *testing.T) {
	f := newFixture(t)
	ts, nonce := freshTS(), "77778888"
	// Signature over a different ciphertext than the body carries.
	q := url.Values{}
	q.Set("timestamp", ts)
	q.Set("nonce", nonce)
	q.Set("msg_signature", wechat.MsgSignature(testToken, ts, nonce, "something-else"))
	wrapper := `<xml><Encrypt><![CDATA[AAAA]]></Encrypt></xml>`

	w := f.post(t, q.Encode(), wrapper)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestCallback_MalformedBody(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, plainQuery(freshTS(), "n5"), "<xml><unclosed>")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestCallback_MissingFieldsReply(t *testing.T) {
	f := newFixture(t)
	body := `<xml><FromUserName><![CDATA[oSender]]></FromUserName></xml>`
	w := f.post(t, plainQuery(freshTS(), "n6"), body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), services.MsgMissingFields) {
		t.Fatalf("reply:\n%s", w.Body.String())
	}
}
