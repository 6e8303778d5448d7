// Package httpx implements the HTTP Transport component: a single shared
// rate limiter, bounded retry with backoff, header rotation, and the four
// operations the rest of anacsync builds on (Head, Get, GetRange, Probe).
// The underlying http.Transport is tuned the way the teacher's downloader.go
// tunes its client (ForceAttemptHTTP2, MaxIdleConns, MaxConnsPerHost,
// IdleConnTimeout, TLSHandshakeTimeout all explicit); the token bucket is
// golang.org/x/time/rate rather than the Python original's naive
// min-interval sleep, per spec.md §4.1's "single shared token bucket".
package httpx

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// ProbeResult is the normalized outcome of Probe.
type ProbeResult struct {
	ContentLength *int64
	ETag          *string
	LastModified  *string
	AcceptRanges  bool
	ContentType   string
}

// Options configures a Transport.
type Options struct {
	RateLimitRPS       float64
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	HTTP2              bool
	Headers            map[string]string
	UserAgents         []string // rotating pool; Headers["User-Agent"] used if empty
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	MaxConnsPerHost    int
	MaxIdleConns       int
	IdleConnTimeout    time.Duration
	TLSHandshakeTimeout time.Duration
}

// DefaultOptions returns sane defaults, overridden by caller-supplied fields.
func DefaultOptions() Options {
	return Options{
		RateLimitRPS:        1.0,
		ConnectTimeout:      10 * time.Second,
		ReadTimeout:         60 * time.Second,
		MaxRetries:          3,
		RetryBaseDelay:      500 * time.Millisecond,
		RetryMaxDelay:       10 * time.Second,
		MaxConnsPerHost:     8,
		MaxIdleConns:        32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Transport is the rate-limited, retrying HTTP client shared by every
// component that needs to reach the origin.
type Transport struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
	uaIdx   int
}

// New builds a Transport from opts. The rate limiter's burst is fixed at 1:
// the spec models "at most rate_limit_rps requests per second", not bursts.
func New(opts Options) *Transport {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 1.0
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     opts.HTTP2,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxConnsPerHost,
		IdleConnTimeout:       opts.IdleConnTimeout,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Transport{
		client: &http.Client{
			Transport: rt,
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("httpx: too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1),
		opts:    opts,
	}
}

// RoundTripper exposes the underlying transport, e.g. for an external tool
// (S3's curl) that needs to share connection-reuse behavior conceptually but
// not the actual *http.Transport.
func (t *Transport) RoundTripper() http.RoundTripper { return t.client.Transport }

func (t *Transport) nextUserAgent() string {
	if len(t.opts.UserAgents) == 0 {
		return t.opts.Headers["User-Agent"]
	}
	ua := t.opts.UserAgents[t.uaIdx%len(t.opts.UserAgents)]
	t.uaIdx++
	return ua
}

func (t *Transport) applyHeaders(req *http.Request, extra map[string]string) {
	for k, v := range t.opts.Headers {
		if k == "User-Agent" {
			continue
		}
		req.Header.Set(k, v)
	}
	if ua := t.nextUserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

// isRetryable reports whether a non-2xx status should trigger a retry:
// 408/425/429 and any 5xx. 4xx otherwise is terminal.
func isRetryable(status int) bool {
	if status == 408 || status == 425 || status == 429 {
		return true
	}
	return status >= 500 && status < 600
}

// do executes one request with rate limiting and bounded retry/backoff.
// It returns the response with its body fully buffered into memory is NOT
// assumed: callers that need streaming (GetRange for large bodies during
// fetch) read directly from resp.Body and must close it.
func (t *Transport) do(ctx context.Context, req *http.Request, extra map[string]string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= t.opts.MaxRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		reqCopy := req.Clone(ctx)
		t.applyHeaders(reqCopy, extra)

		resp, err := t.client.Do(reqCopy)
		if err != nil {
			lastErr = err
		} else if isRetryable(resp.StatusCode) {
			resp.Body.Close()
			lastErr = fmt.Errorf("httpx: retryable status %d", resp.StatusCode)
		} else {
			return resp, nil
		}

		if attempt == t.opts.MaxRetries {
			break
		}
		if err := sleepBackoff(ctx, t.opts.RetryBaseDelay, t.opts.RetryMaxDelay, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("httpx: request failed after %d attempts: %w", t.opts.MaxRetries+1, lastErr)
}

// sleepBackoff sleeps an exponentially growing, jittered delay, grounded on
// the teacher's fetchOne retry loop (pseudo-jitter, capped at a max delay).
func sleepBackoff(ctx context.Context, base, max time.Duration, attempt int) error {
	delay := base << attempt
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	select {
	case <-time.After(delay + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Head issues a HEAD request and returns the raw headers.
func (t *Transport) Head(ctx context.Context, url string) (http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := t.do(ctx, req, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	return resp.Header, resp.StatusCode, nil
}

// Get issues a full GET request and returns the body, headers and status.
func (t *Transport) Get(ctx context.Context, url string, headers map[string]string) ([]byte, http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, 0, err
	}
	resp, err := t.do(ctx, req, headers)
	if err != nil {
		return nil, nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, resp.StatusCode, err
	}
	return body, resp.Header, resp.StatusCode, nil
}

// GetRangeResult is the outcome of a ranged GET.
type GetRangeResult struct {
	Body    io.ReadCloser
	Status  int
	Partial bool // true if the server honored the range (206)
	Header  http.Header
}

// GetRange issues a GET with a Range header covering [start, end] (end<0
// means open-ended). It accepts both 206 (range honored) and 200 (server
// ignored the range and returned the full body) as success, signaling which
// one happened via Partial so the caller can disable resume logic per
// spec.md §4.1 and §7 ("range not supported").
func (t *Transport) GetRange(ctx context.Context, url string, start, end int64, headers map[string]string) (*GetRangeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	rangeHeader := "bytes=" + strconv.FormatInt(start, 10) + "-"
	if end >= 0 {
		rangeHeader += strconv.FormatInt(end, 10)
	}
	extra := map[string]string{"Range": rangeHeader}
	for k, v := range headers {
		extra[k] = v
	}
	resp, err := t.do(ctx, req, extra)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		return &GetRangeResult{Body: resp.Body, Status: resp.StatusCode, Partial: true, Header: resp.Header}, nil
	case http.StatusOK:
		return &GetRangeResult{Body: resp.Body, Status: resp.StatusCode, Partial: false, Header: resp.Header}, nil
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("httpx: unexpected status %d for ranged GET", resp.StatusCode)
	}
}

// Probe prefers HEAD; on error, a status of 400 or above, or a response
// without Content-Length it falls back to a plain GET and extracts the same
// fields. The fallback GET reads the whole response body into memory; its
// size is not bounded.
func (t *Transport) Probe(ctx context.Context, url string) (ProbeResult, error) {
	headers, status, err := t.Head(ctx, url)
	if err != nil || status >= 400 || headers.Get("Content-Length") == "" {
		body, h, s, gerr := t.Get(ctx, url, nil)
		if gerr != nil {
			if err != nil {
				return ProbeResult{}, err
			}
			return ProbeResult{}, gerr
		}
		if s >= 400 {
			return ProbeResult{}, fmt.Errorf("httpx: probe GET fallback status %d", s)
		}
		headers = h
		if headers.Get("Content-Length") == "" && len(body) > 0 {
			n := int64(len(body))
			headers = headers.Clone()
			headers.Set("Content-Length", strconv.FormatInt(n, 10))
		}
	}
	return headersToProbe(headers), nil
}

func headersToProbe(h http.Header) ProbeResult {
	var pr ProbeResult
	if v := h.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			pr.ContentLength = &n
		}
	}
	if v := h.Get("ETag"); v != "" {
		pr.ETag = &v
	}
	if v := h.Get("Last-Modified"); v != "" {
		pr.LastModified = &v
	}
	pr.AcceptRanges = h.Get("Accept-Ranges") == "bytes"
	pr.ContentType = h.Get("Content-Type")
	return pr
}
