// Package web wraps net/http with the conveniences the backends share: a
// cloneable cookie session, a small GET cache and uniform transport errors.
package web

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/boardline/boardline/shared/errors"
)

// Option bits for a single request.
type Options uint

const (
	SkipCache Options = 1 << iota
	SkipTidy
	SkipContentTransform
)

const DefaultUserAgent = "Boardline/1.0"

type Response struct {
	Status   int
	Body     string
	FinalURL string
}

// Fetcher is the surface backends depend on. Tests substitute it freely.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, opts Options) (*Response, error)
	PostForm(ctx context.Context, rawURL string, form url.Values) (*Response, error)
	PostBody(ctx context.Context, rawURL, contentType string, body []byte) (*Response, error)
	LastRequestURL() string
	Clone() Fetcher
}

type cacheEntry struct {
	resp    *Response
	fetched time.Time
}

// Client is the concrete Fetcher. Each backend instance owns its own
// Client so sessions never bleed between clones.
type Client struct {
	http      *http.Client
	jar       *recordingJar
	userAgent string

	mu       sync.Mutex
	lastURL  string
	cache    map[string]cacheEntry
	cacheTTL time.Duration
}

func NewClient(userAgent string) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	jar := newRecordingJar()
	return &Client{
		http: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		jar:       jar,
		userAgent: userAgent,
		cache:     make(map[string]cacheEntry),
		cacheTTL:  time.Minute,
	}
}

// Clone returns a client with an independent copy of the cookie session.
// The cache and request history start empty.
func (c *Client) Clone() Fetcher {
	out := NewClient(c.userAgent)
	c.jar.copyInto(out.jar)
	return out
}

func (c *Client) LastRequestURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastURL
}

func (c *Client) Get(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	if opts&SkipCache == 0 {
		c.mu.Lock()
		if e, ok := c.cache[rawURL]; ok && time.Since(e.fetched) < c.cacheTTL {
			c.lastURL = e.resp.FinalURL
			c.mu.Unlock()
			return e.resp, nil
		}
		c.mu.Unlock()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &errors.TransportError{URL: rawURL, Err: err}
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	if opts&SkipCache == 0 {
		c.mu.Lock()
		c.cache[rawURL] = cacheEntry{resp: resp, fetched: time.Now()}
		c.mu.Unlock()
	}
	return resp, nil
}

func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &errors.TransportError{URL: rawURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) PostBody(ctx context.Context, rawURL, contentType string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, &errors.TransportError{URL: rawURL, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errors.TransportError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.TransportError{URL: req.URL.String(), Err: err}
	}
	finalURL := resp.Request.URL.String()

	c.mu.Lock()
	c.lastURL = finalURL
	c.mu.Unlock()

	if resp.StatusCode >= 400 {
		return nil, &errors.TransportError{URL: finalURL, StatusCode: resp.StatusCode}
	}
	return &Response{Status: resp.StatusCode, Body: string(body), FinalURL: finalURL}, nil
}

// recordingJar wraps cookiejar.Jar and keeps the raw SetCookies calls so a
// clone can replay them into its own jar. cookiejar.Jar cannot be
// enumerated, so replay is the only way to duplicate a session.
type recordingJar struct {
	inner *cookiejar.Jar

	mu     sync.Mutex
	record []recordedCookies
}

type recordedCookies struct {
	u       *url.URL
	cookies []*http.Cookie
}

func newRecordingJar() *recordingJar {
	inner, _ := cookiejar.New(nil)
	return &recordingJar{inner: inner}
}

func (j *recordingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	j.record = append(j.record, recordedCookies{u: u, cookies: cookies})
	j.mu.Unlock()
	j.inner.SetCookies(u, cookies)
}

func (j *recordingJar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

func (j *recordingJar) copyInto(dst *recordingJar) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.record {
		dst.SetCookies(r.u, r.cookies)
	}
}
