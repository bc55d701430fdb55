// Package articles turns a public web page into publishable markdown. The
// pipeline is validate (SSRF guard) → fetch with timeout and retry →
// extract the main content region → convert to markdown → cleanup.
package articles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/ruminer/go-wechat-backend/internal/retry"
)

// Fetch/transform errors beyond ErrBlocked; services map these onto
// user-facing outcome codes.
var (
	ErrFetchFailed = errors.New("articles: fetch failed")
	ErrTransform   = errors.New("articles: transform failed")
)

const (
	userAgent    = "Mozilla/5.0 (compatible; WeChatGateway/1.0)"
	maxBodyBytes = 4 << 20
)

// Article is the fetch result handed to the publisher.
type Article struct {
	Markdown string
	Title    string
}

// Fetcher downloads and converts articles. The zero value is not usable;
// construct with NewFetcher.
type Fetcher struct {
	HTTP    *http.Client
	Timeout time.Duration

	// validate is swappable in tests; production always uses the guard.
	validate func(string) (*url.URL, error)
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Fetcher{
		HTTP:     &http.Client{Timeout: timeout},
		Timeout:  timeout,
		validate: ValidateFetchURL,
	}
}

// Fetch retrieves the page and returns it as markdown. fallbackTitle (from
// the inbound message) wins over anything extracted from the page.
//
// Transient behavior: timeout-class errors are retried with backoff; a 5xx
// answer gets exactly one extra attempt; every other non-OK status fails
// immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, fallbackTitle string) (*Article, error) {
	u, err := f.validate(rawURL)
	if err != nil {
		return nil, err
	}
	target := u.String()

	var body string
	var status int
	err = retry.Do(ctx, func(ctx context.Context) error {
		body, status, err = f.get(ctx, target)
		return err
	}, retry.Options{
		MaxRetries:  2,
		BaseDelay:   300 * time.Millisecond,
		ShouldRetry: isTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if status >= 500 && status <= 599 {
		log.Debug().Int("status", status).Msg("article fetch got 5xx, retrying once")
		if body, status, err = f.get(ctx, target); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, status)
	}

	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransform, err)
	}
	title := strings.TrimSpace(fallbackTitle)
	if title == "" {
		title = extractTitle(doc)
	}
	if title == "" {
		title = "Untitled"
	}

	conv := md.NewConverter("", true, &md.Options{
		HeadingStyle:   "atx",
		CodeBlockStyle: "fenced",
	})
	markdown, err := conv.ConvertString(extractMainHTML(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransform, err)
	}
	return &Article{Markdown: cleanupMarkdown(markdown), Title: title}, nil
}

func (f *Fetcher) get(ctx context.Context, target string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", 0, err
	}
	return string(raw), resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var multiBlank = regexp.MustCompile(`\n{3,}`)

func cleanupMarkdown(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = multiBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
