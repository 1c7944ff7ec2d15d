package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"strconv"
	"time"

	"descfetch/pkg/retry"
)

// Client wraps http.Client with logging and retry campaigns.
type Client struct {
	hc            *stdhttp.Client
	log           *slog.Logger
	retry         retry.Config
	headers       map[string]string
	urlRedactor   func(*url.URL) string
	retryMethods  map[string]struct{}
	maxReplayBody int64
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets per-attempt request timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetry sets the campaign configuration used by DoRetry. The client's
// own retryability check is applied on top of cfg.Retryable.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			if c.headers == nil {
				c.headers = make(map[string]string)
			}
			c.headers[k] = v
		}
	}
}

// WithoutHeaders removes default headers.
func WithoutHeaders(keys ...string) Option {
	return func(c *Client) {
		for _, k := range keys {
			delete(c.headers, k)
		}
	}
}

// WithURLRedactor sets URL redactor for logs.
func WithURLRedactor(f func(*url.URL) string) Option {
	return func(c *Client) { c.urlRedactor = f }
}

// WithTransport sets custom transport.
func WithTransport(rt stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// WithRetryMethods adds methods allowed for retries.
func WithRetryMethods(methods ...string) Option {
	return func(c *Client) {
		for _, m := range methods {
			c.retryMethods[m] = struct{}{}
		}
	}
}

// WithMaxReplayBodySize limits size of buffered body for retries (0 disables limit).
func WithMaxReplayBodySize(n int64) Option {
	return func(c *Client) { c.maxReplayBody = n }
}

// ErrReplayBodyTooLarge indicates request body exceeds replay limit.
var ErrReplayBodyTooLarge = errors.New("http: body too large for replay")

// New creates configured Client.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second

	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   15 * time.Second,
			Transport: tr,
		},
		log: slog.Default(),
		retry: retry.Config{
			MaxAttempts:    1,
			InitialDelay:   200 * time.Millisecond,
			JitterStrategy: retry.JitterDecorrelated,
		},
		maxReplayBody: 1 << 20,
		retryMethods: map[string]struct{}{
			stdhttp.MethodGet:     {},
			stdhttp.MethodHead:    {},
			stdhttp.MethodOptions: {},
			stdhttp.MethodTrace:   {},
			stdhttp.MethodPut:     {},
			stdhttp.MethodDelete:  {},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError reports a response whose status is worth retrying. The body
// has already been drained and closed.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Wait       time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// RetryAfter returns the server-provided wait, if any.
func (e *StatusError) RetryAfter() time.Duration {
	return e.Wait
}

// ParseRetryAfter parses a Retry-After header value given in seconds or as
// an HTTP date. Invalid and past values yield zero.
func ParseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := stdhttp.ParseTime(h); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// redactURL returns redacted URL string.
func (c *Client) redactURL(u *url.URL) string {
	if c.urlRedactor != nil {
		return c.urlRedactor(u)
	}
	return u.Redacted()
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}

// retryableStatus reports statuses that are worth another attempt.
func retryableStatus(code int) bool {
	switch code {
	case 408, 421, 425, 429:
		return true
	default:
		return code >= 500
	}
}

// IsRetryable reports whether a DoRetry attempt error should be retried.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.StatusCode)
	}
	return retry.DefaultRetryable(err)
}

// Do sends a single HTTP request with default headers and logging.
func (c *Client) Do(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	return c.attempt(ctx, req, 1)
}

func (c *Client) attempt(ctx context.Context, req *stdhttp.Request, attempt int) (*stdhttp.Response, error) {
	r := req.Clone(ctx)
	for k, v := range c.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if r.GetBody != nil {
		rc, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = rc
	}

	u := c.redactURL(r.URL)
	st := time.Now()
	resp, err := c.hc.Do(r)
	dur := time.Since(st)
	if err != nil {
		c.log.Warn("http request error",
			slog.String("method", r.Method),
			slog.String("url", u),
			slog.Int("attempt", attempt),
			slog.Duration("dur", dur),
			slog.Any("error", err))
		return nil, err
	}
	c.log.Info("http request",
		slog.String("method", r.Method),
		slog.String("url", u),
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", dur),
		slog.Int("attempt", attempt))
	return resp, nil
}

// DoRetry sends req in a retry campaign. Retryable statuses and transient
// transport errors are retried for idempotent requests; any other response
// is returned to the caller as is.
func (c *Client) DoRetry(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	if err := c.bufferBody(req); err != nil {
		return nil, err
	}

	cfg := c.retry
	if !c.canRetry(req) {
		cfg.MaxAttempts = 1
	}
	classify := cfg.Retryable
	cfg.Retryable = func(err error) bool {
		if !IsRetryable(err) {
			return false
		}
		return classify == nil || classify(err)
	}
	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.log.Warn("http request retry",
			slog.String("method", req.Method),
			slog.String("url", c.redactURL(req.URL)),
			slog.Int("attempt", attempt),
			slog.Int("attempts_left", cfg.MaxAttempts-attempt),
			slog.Duration("wait", wait),
			slog.Bool("idempotency_key", req.Header.Get("Idempotency-Key") != ""),
			slog.Any("error", err))
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	var n int
	return retry.Run(ctx, cfg, func(ctx context.Context) (*stdhttp.Response, error) {
		n++
		resp, err := c.attempt(ctx, req, n)
		if err != nil {
			return nil, err
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if resp.StatusCode == 421 {
			if tr, ok := c.hc.Transport.(interface{ CloseIdleConnections() }); ok {
				tr.CloseIdleConnections()
			}
		}
		wait := ParseRetryAfter(resp.Header.Get("Retry-After"))
		drainAndClose(resp.Body)
		return nil, &StatusError{
			Method:     req.Method,
			URL:        c.redactURL(req.URL),
			StatusCode: resp.StatusCode,
			Wait:       wait,
		}
	})
}

func (c *Client) canRetry(req *stdhttp.Request) bool {
	if _, ok := c.retryMethods[req.Method]; ok {
		return true
	}
	return req.Method == stdhttp.MethodPost && req.Header.Get("Idempotency-Key") != ""
}

// bufferBody makes the request body replayable across attempts.
func (c *Client) bufferBody(req *stdhttp.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	var body []byte
	var err error
	if c.maxReplayBody > 0 {
		body, err = io.ReadAll(io.LimitReader(req.Body, c.maxReplayBody+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > c.maxReplayBody {
			return ErrReplayBodyTooLarge
		}
	} else {
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return err
		}
	}
	_ = req.Body.Close()
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	req.Body, _ = req.GetBody()
	return nil
}
