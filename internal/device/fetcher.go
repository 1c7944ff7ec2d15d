package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/clock"

	"descfetch/internal/platform/httpclient"
	"descfetch/internal/shared"
	"descfetch/pkg/retry"
)

// Doer sends a single HTTP request.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Options configures Fetcher campaigns.
type Options struct {
	InitialDelay time.Duration
	MaxAttempts  int
	MaxDelay     time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
	Jitter  retry.JitterStrategy
	Clock   clock.Clock
}

// Fetcher downloads device descriptions.
type Fetcher struct {
	http Doer
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

// NewFetcher creates a Fetcher. A nil doer uses a default httpclient.Client.
func NewFetcher(doer Doer, opts Options, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	if doer == nil {
		doer = httpclient.New(httpclient.WithLogger(log))
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Fetcher{http: doer, opts: opts, log: log.With("component", "device"), now: opts.Clock.Now}
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, invalid("device: bad url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, invalid("device: url %q must be http or https", raw)
	}
	if u.Host == "" {
		return nil, invalid("device: url %q has no host", raw)
	}
	return u, nil
}

// FetchOnce performs a single fetch attempt.
func (f *Fetcher) FetchOnce(ctx context.Context, rawURL string) (Description, error) {
	if _, err := ValidateURL(rawURL); err != nil {
		return Description{}, err
	}
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Description{}, invalid("device: %v", err)
	}
	req.Header.Set("Accept", "text/xml")

	resp, err := f.http.Do(ctx, req)
	if err != nil {
		return Description{}, fmt.Errorf("device: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Description{}, shared.MarkKind(fmt.Errorf("device: fetch %s: status %d", rawURL, resp.StatusCode), shared.KindNotFound)
	case resp.StatusCode != http.StatusOK:
		return Description{}, shared.MarkKind(&httpclient.StatusError{
			Method:     req.Method,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Wait:       httpclient.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}, shared.KindDependencyFailure)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDescriptionSize+1))
	if err != nil {
		return Description{}, shared.MarkKind(fmt.Errorf("device: read %s: %w", rawURL, err), shared.KindDependencyFailure)
	}
	desc, err := Parse(body, resp.Header.Get("Application-URL"))
	if err != nil {
		return Description{}, err
	}
	desc.FetchedAt = f.now().UTC()
	return desc, nil
}

// Retryable reports whether a FetchOnce error is worth another attempt.
// Invalid documents, bad URLs and missing resources are final.
func Retryable(err error) bool {
	switch shared.KindOf(err) {
	case shared.KindValidation, shared.KindNotFound, shared.KindCanceled:
		return false
	}
	return true
}

// NewCampaign returns an unstarted retry campaign fetching rawURL.
func (f *Fetcher) NewCampaign(rawURL string) *retry.Runner[Description] {
	log := f.log.With("url", rawURL)
	return retry.NewRunner(
		func(ctx context.Context) (Description, error) {
			return f.FetchOnce(ctx, rawURL)
		},
		f.opts.InitialDelay,
		f.opts.MaxAttempts,
		retry.WithClock(f.opts.Clock),
		retry.WithMaxDelay(f.opts.MaxDelay),
		retry.WithJitter(f.opts.Jitter),
		retry.WithRetryable(Retryable),
		retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			log.Warn("description fetch failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", f.opts.MaxAttempts),
				slog.Duration("wait", wait),
				slog.Any("error", err))
		}),
	)
}

// Fetch runs a campaign for rawURL and waits for it. Cancelling ctx aborts it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Description, error) {
	r := f.NewCampaign(rawURL)
	out := r.Start()
	select {
	case <-out.Done():
	case <-ctx.Done():
		r.Abort(ctx.Err())
	}
	return out.Result()
}
