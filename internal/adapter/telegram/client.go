package telegram

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/go-telegram/bot"

	"descfetch/internal/platform/httpclient"
	"descfetch/pkg/retry"
)

const (
	// Bot API request bodies are small text forms.
	maxRequestBody = 1 << 20
	rateLimitTries = 3
)

var tokenPath = regexp.MustCompile(`/bot[^/]+/`)

// APIClient sends Bot API requests, retrying the ones Telegram rejects with 429.
type APIClient struct {
	c *httpclient.Client
}

var _ bot.HttpClient = (*APIClient)(nil)

// NewAPIClient returns a client for bot.WithHTTPClient. pollTimeout bounds a
// single request and must exceed the long polling timeout.
func NewAPIClient(pollTimeout time.Duration, log *slog.Logger) *APIClient {
	return &APIClient{c: httpclient.New(
		httpclient.WithLogger(log.With("component", "telegram_api")),
		httpclient.WithTimeout(pollTimeout),
		// getUpdates holds the response until updates arrive.
		httpclient.WithTransport(http.DefaultTransport.(*http.Transport).Clone()),
		httpclient.WithURLRedactor(func(u *url.URL) string {
			return tokenPath.ReplaceAllString(u.Redacted(), "/bot***/")
		}),
		httpclient.WithRetryMethods(http.MethodPost),
		httpclient.WithMaxReplayBodySize(maxRequestBody),
		httpclient.WithRetry(retry.Config{
			MaxAttempts:    rateLimitTries,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
			JitterStrategy: retry.JitterEqual,
			Retryable:      rateLimited,
		}),
	)}
}

// Do implements bot.HttpClient.
func (c *APIClient) Do(req *http.Request) (*http.Response, error) {
	return c.c.DoRetry(req.Context(), req)
}

// rateLimited reports a 429. Other failures are not retried since a POST may
// already have been applied.
func rateLimited(err error) bool {
	var se *httpclient.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}
