package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"TradeCollector/internal/metrics"
)

// Config tunes retry and transport behaviour.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	RateLimitDelay time.Duration
	MaxDelay       time.Duration
	Timeout        time.Duration
	MaxBytes       int64
	UserAgent      string
	MinInterval    time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = 10 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 32 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "TradeCollector/1.0"
	}
}

// Request describes one logical outbound call.
type Request struct {
	Method  string
	URL     string
	Params  url.Values
	Headers map[string]string
	Body    []byte

	// DisplayURL is reported in errors instead of URL when URL carries credentials.
	DisplayURL string
	// MaxAttempts lowers the client's attempt budget for this request when positive.
	MaxAttempts int
}

func (r Request) shown(target string) string {
	if r.DisplayURL != "" {
		return r.DisplayURL
	}
	return target
}

func (r Request) attempts(limit int) int {
	if r.MaxAttempts > 0 && r.MaxAttempts < limit {
		return r.MaxAttempts
	}
	return limit
}

func (r Request) target() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", r.URL)
	}
	if len(r.Params) > 0 {
		q := u.Query()
		for k, vs := range r.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// Doer performs a Request with retries.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithName labels the client in metrics.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// Client is the shared HTTP fetch utility. It never touches source health.
type Client struct {
	cfg     Config
	http    *http.Client
	name    string
	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
}

var _ Doer = (*Client)(nil)

// New builds a Client; zero Config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Client {
	cfg.defaults()
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		name:  "default",
		sleep: sleepContext,
		now:   time.Now,
	}
	if cfg.MinInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get is a shortcut for a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Params: params, Headers: headers})
}

// Do executes req, retrying timeouts, network errors, 5xx and 429 responses.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := req.target()
	if err != nil {
		if req.DisplayURL != "" {
			err = errors.New("malformed url")
		}
		return nil, &Error{Kind: KindNetwork, URL: req.shown(req.URL), Detail: "invalid url", Err: err}
	}
	shown := req.shown(target)
	maxAttempts := req.attempts(c.cfg.MaxAttempts)

	var last *Error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if last == nil {
					last = &Error{Kind: KindNetwork, URL: shown, Attempts: attempt, Err: err}
				}
				return nil, last
			}
		}

		resp, err := c.attempt(ctx, req, target)
		if err == nil && resp.StatusCode < http.StatusBadRequest {
			metrics.FetchAttempts.WithLabelValues(c.name, "ok").Inc()
			resp.Attempts = attempt + 1
			return resp, nil
		}

		last = classify(shown, resp, err)
		last.Attempts = attempt + 1
		metrics.FetchAttempts.WithLabelValues(c.name, string(last.Kind)).Inc()

		if ctx.Err() != nil || !retryable(last) || attempt+1 >= maxAttempts {
			return nil, last
		}

		metrics.FetchRetries.WithLabelValues(c.name, string(last.Kind)).Inc()
		if err := c.sleep(ctx, c.delay(attempt, last, resp)); err != nil {
			return nil, last
		}
	}

	return nil, last
}

func (c *Client) attempt(ctx context.Context, req Request, target string) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

func (c *Client) delay(attempt int, e *Error, resp *Response) time.Duration {
	if e.Kind == KindRateLimited {
		if resp != nil {
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
				return min(d, c.cfg.MaxDelay)
			}
		}
		return Backoff(attempt+1, c.cfg.RateLimitDelay, c.cfg.MaxDelay)
	}
	return Backoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
}

func classify(shown string, resp *Response, err error) *Error {
	if err != nil {
		kind := KindNetwork
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = KindTimeout
		}
		// *url.Error repeats the raw request URL; Error carries the shown one instead.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return &Error{Kind: kind, URL: shown, Err: err}
	}

	e := &Error{Kind: KindHTTPStatus, URL: shown, StatusCode: resp.StatusCode, Detail: snippet(resp.Body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		e.Kind = KindRateLimited
	}
	return e
}

func retryable(e *Error) bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindRateLimited:
		return true
	case KindHTTPStatus:
		return e.StatusCode >= http.StatusInternalServerError
	}
	return false
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
