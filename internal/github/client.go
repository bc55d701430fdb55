// Package github publishes markdown documents through the GitHub Contents
// API. Only the two calls the gateway needs are implemented: repository
// access verification at bind time and idempotent file upsert at save time.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ruminer/go-wechat-backend/internal/retry"
)

var (
	// ErrRepoAccess means the repository could not be read with the given
	// token: wrong name, missing scope, or revoked token.
	ErrRepoAccess = errors.New("github: repo access failed")
	// ErrPublish means the content write did not land.
	ErrPublish = errors.New("github: write failed")
)

const (
	defaultAPIBase = "https://api.github.com"
	clientUA       = "go-wechat-backend"
)

// PutResult identifies the published document.
type PutResult struct {
	Title   string
	Path    string
	HTMLURL string
}

// Client is a minimal Contents API client. Tokens are call arguments, never
// client state: every sender publishes with their own credential.
type Client struct {
	HTTP          *http.Client
	APIBase       string
	DefaultBranch string
	Now           func() time.Time
}

func NewClient(defaultBranch string) *Client {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Client{
		HTTP:          &http.Client{Timeout: 15 * time.Second},
		APIBase:       defaultAPIBase,
		DefaultBranch: defaultBranch,
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// GetRepo verifies that the token can read the repository.
func (c *Client) GetRepo(ctx context.Context, token, repoFullName string) error {
	status, _, err := c.do(ctx, token, http.MethodGet,
		fmt.Sprintf("%s/repos/%s", c.base(), repoFullName), nil, 300*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRepoAccess, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrRepoAccess, status)
	}
	return nil
}

// PutMarkdown writes the document under pathPrefix, overwriting an existing
// file at the same path (the existing blob sha is looked up first, so a
// same-slug re-save is an update, not a conflict).
func (c *Client) PutMarkdown(ctx context.Context, token, repoFullName, pathPrefix, title, sourceURL, markdown string) (*PutResult, error) {
	if title == "" {
		title = "Untitled"
	}
	slug := Slugify(title)
	if slug == "" {
		slug = fmt.Sprintf("article-%d", c.now().UnixMilli())
	}
	path := pathPrefix + slug + ".md"
	body := c.frontmatter(title, sourceURL) + strings.TrimSpace(markdown) + "\n"

	sha, err := c.getContentSha(ctx, token, repoFullName, path)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"message": "Save article: " + title,
		"content": base64.StdEncoding.EncodeToString([]byte(body)),
		"branch":  c.DefaultBranch,
	}
	if sha != "" {
		payload["sha"] = sha
	}
	raw, _ := json.Marshal(payload)

	status, data, err := c.do(ctx, token, http.MethodPut,
		fmt.Sprintf("%s/repos/%s/contents/%s", c.base(), repoFullName, path),
		raw, 400*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("%w: status %d", ErrPublish, status)
	}

	var resp struct {
		Content struct {
			HTMLURL string `json:"html_url"`
		} `json:"content"`
	}
	htmlURL := fmt.Sprintf("https://github.com/%s/blob/%s/%s", repoFullName, c.DefaultBranch, path)
	if err := json.Unmarshal(data, &resp); err == nil && resp.Content.HTMLURL != "" {
		htmlURL = resp.Content.HTMLURL
	}
	log.Debug().Str("path", path).Msg("markdown published")
	return &PutResult{Title: title, Path: path, HTMLURL: htmlURL}, nil
}

func (c *Client) getContentSha(ctx context.Context, token, repoFullName, path string) (string, error) {
	u := fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s",
		c.base(), repoFullName, path, url.QueryEscape(c.DefaultBranch))
	status, data, err := c.do(ctx, token, http.MethodGet, u, nil, 300*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if status == http.StatusNotFound {
		return "", nil
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: content lookup status %d", ErrPublish, status)
	}
	var resp struct {
		Sha string `json:"sha"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return resp.Sha, nil
}

// do performs one API call, retrying transport failures only. HTTP statuses,
// 4xx included, are results for the caller to interpret, never retried.
func (c *Client) do(ctx context.Context, token, method, target string, body []byte, baseDelay time.Duration) (int, []byte, error) {
	var status int
	var data []byte
	err := retry.Do(ctx, func(ctx context.Context) error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", clientUA)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		status = resp.StatusCode
		return nil
	}, retry.Options{
		MaxRetries: 2,
		BaseDelay:  baseDelay,
		ShouldRetry: func(err error) bool {
			return err != nil && ctx.Err() == nil
		},
	})
	return status, data, err
}

func (c *Client) base() string {
	if c.APIBase != "" {
		return strings.TrimSuffix(c.APIBase, "/")
	}
	return defaultAPIBase
}

func (c *Client) frontmatter(title, sourceURL string) string {
	return fmt.Sprintf("---\ntitle: %q\ndate: %s\nsource: %s\n---\n\n",
		title, c.now().UTC().Format(time.RFC3339), sourceURL)
}
