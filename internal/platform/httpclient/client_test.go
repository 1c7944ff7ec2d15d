package httpclient_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	httpclient "descfetch/internal/platform/httpclient"
	"descfetch/pkg/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func retries(attempts int) httpclient.Option {
	return httpclient.WithRetry(retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
	})
}

func failOnce(status int, attempts *int32, hdr map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(attempts, 1) == 1 {
			for k, v := range hdr {
				w.Header().Set(k, v)
			}
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func TestClient_Do_SingleAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(failOnce(http.StatusInternalServerError, &attempts, nil))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), retries(3))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_DoRetry_RetryableStatuses(t *testing.T) {
	for _, status := range []int{
		http.StatusInternalServerError,
		http.StatusRequestTimeout,
		http.StatusMisdirectedRequest,
		http.StatusTooEarly,
		http.StatusBadGateway,
	} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var attempts int32
			srv := httptest.NewServer(failOnce(status, &attempts, nil))
			defer srv.Close()

			c := httpclient.New(httpclient.WithLogger(quietLogger()), retries(2))
			req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
			require.NoError(t, err)

			resp, err := c.DoRetry(context.Background(), req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
		})
	}
}

func TestClient_DoRetry_RetryAfter(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(failOnce(http.StatusTooManyRequests, &attempts, map[string]string{"Retry-After": "1"}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), retries(2))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.DoRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	require.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestClient_DoRetry_RetryAfterCappedByMaxDelay(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(failOnce(http.StatusServiceUnavailable, &attempts, map[string]string{"Retry-After": "5"}))
	defer srv.Close()

	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithRetry(retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
		}),
	)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.DoRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, time.Since(start), time.Second)
}

func TestClient_DoRetry_RetryAfterPast(t *testing.T) {
	var attempts int32
	past := time.Now().UTC().Add(-time.Minute).Format(http.TimeFormat)
	srv := httptest.NewServer(failOnce(http.StatusServiceUnavailable, &attempts, map[string]string{"Retry-After": past}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), retries(2))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.DoRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestClient_DoRetry_Exhausted(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), retries(3))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.DoRetry(context.Background(), req)
	var exceeded *retry.RetriesExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, 3, exceeded.Attempts)

	var se *httpclient.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.StatusCode)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClient_DoRetry_NoRetryOn4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), retries(3))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.DoRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestClient_DoRetry_NetworkError(t *testing.T) {
	var attempts int32
	rt := rtFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, &net.OpError{
			Op:  "read",
			Net: "tcp",
			Err: &os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET},
		}
	})

	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		retries(2),
		httpclient.WithTransport(rt),
	)
	req, err := http.NewRequest(http.MethodGet, "http://192.0.2.1:8008/dd.xml", nil)
	require.NoError(t, err)

	_, err = c.DoRetry(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestClient_DoRetry_DNSTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var attempts int32
	rt := rtFunc(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: &net.DNSError{IsTemporary: true}}
		}
		return http.DefaultTransport.RoundTrip(req)
	})

	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		retries(2),
		httpclient.WithTransport(rt),
	)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.DoRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestClient_Do_Headers(t *testing.T) {
	var headerA, headerB, ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerA = r.Header.Get("X-A")
		headerB = r.Header.Get("X-B")
		ua = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := httpclient.New(
		httpclient.WithHeaders(map[string]string{"X-A": "1", "X-B": "2", "User-Agent": "descfetch"}),
		httpclient.WithoutHeaders("X-B"),
	)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom")

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "1", headerA)
	require.Empty(t, headerB)
	require.Equal(t, "custom", ua)
}

func TestClient_DoRetry_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Second}),
	)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = c.DoRetry(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, retry.ErrAborted)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestClient_DoRetry_RetryAfterContextDeadline(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(failOnce(http.StatusTooManyRequests, &attempts, map[string]string{"Retry-After": "5"}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), retries(2))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.DoRetry(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_DoRetry_ReplaysBody(t *testing.T) {
	var attempts int32
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), retries(2))
	req, err := http.NewRequest(http.MethodPut, srv.URL, io.NopCloser(strings.NewReader("payload")))
	require.NoError(t, err)

	resp, err := c.DoRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestClient_DoRetry_BodyTooLarge(t *testing.T) {
	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithMaxReplayBodySize(4))
	req, err := http.NewRequest(http.MethodPut, "http://192.0.2.1/", io.NopCloser(strings.NewReader("too large")))
	require.NoError(t, err)

	_, err = c.DoRetry(context.Background(), req)
	require.ErrorIs(t, err, httpclient.ErrReplayBodyTooLarge)
}

func TestClient_DoRetry_PostNeedsIdempotencyKey(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), retries(3))

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	_, err = c.DoRetry(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	atomic.StoreInt32(&attempts, 0)
	req, err = http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Idempotency-Key", "k1")
	_, err = c.DoRetry(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClient_DoRetry_ExtraMethods(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(failOnce(http.StatusInternalServerError, &attempts, nil))
	defer srv.Close()

	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		retries(2),
		httpclient.WithRetryMethods(http.MethodPatch),
	)
	req, err := http.NewRequest(http.MethodPatch, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.DoRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

type closingRT struct {
	http.RoundTripper
	closed atomic.Bool
}

func (c *closingRT) CloseIdleConnections() { c.closed.Store(true) }

func TestClient_DoRetry_421ClosesIdle(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(failOnce(http.StatusMisdirectedRequest, &attempts, nil))
	defer srv.Close()

	rt := &closingRT{RoundTripper: http.DefaultTransport}
	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		retries(2),
		httpclient.WithTransport(rt),
	)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.DoRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.True(t, rt.closed.Load())
}

func TestClient_URLRedactor(t *testing.T) {
	var buf bytes.Buffer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var called atomic.Bool
	c := httpclient.New(
		httpclient.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
		httpclient.WithURLRedactor(func(u *url.URL) string {
			called.Store(true)
			return "redacted"
		}),
	)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"?token=secret", nil)
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()
	require.True(t, called.Load())
	require.Contains(t, buf.String(), "url=redacted")
	require.NotContains(t, buf.String(), "secret")
}

func TestClient_DoRetry_OnRetryHook(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(failOnce(http.StatusBadGateway, &attempts, nil))
	defer srv.Close()

	var hooked atomic.Int32
	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithRetry(retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				hooked.Add(1)
			},
		}),
	)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.DoRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, int32(1), hooked.Load())
}

func TestIsRetryable(t *testing.T) {
	require.True(t, httpclient.IsRetryable(&httpclient.StatusError{StatusCode: 503}))
	require.True(t, httpclient.IsRetryable(&httpclient.StatusError{StatusCode: 429}))
	require.False(t, httpclient.IsRetryable(&httpclient.StatusError{StatusCode: 404}))
	require.False(t, httpclient.IsRetryable(context.Canceled))
	require.True(t, httpclient.IsRetryable(io.ErrUnexpectedEOF))
}

func TestStatusErrorRetryAfter(t *testing.T) {
	var h retry.DelayHinter = &httpclient.StatusError{StatusCode: 429, Wait: 3 * time.Second}
	require.Equal(t, 3*time.Second, h.RetryAfter())
}
