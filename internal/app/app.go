// Package app wires the service components and exposes them as CLI commands.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"descfetch/internal/adapter/httpapi"
	"descfetch/internal/adapter/scheduler"
	"descfetch/internal/adapter/telegram"
	"descfetch/internal/adapter/telegram/handlers"
	"descfetch/internal/adapter/telegram/middleware"
	"descfetch/internal/campaign"
	"descfetch/internal/config"
	"descfetch/internal/device"
	"descfetch/internal/platform/httpclient"
	"descfetch/internal/platform/logger"
	"descfetch/internal/store"
	"descfetch/pkg/retry"
)

const (
	webhookPath     = "/telegram/webhook"
	shutdownTimeout = 10 * time.Second
	botWorkers      = 8
	botPollTimeout  = time.Minute
)

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New loads configuration and builds the root logger.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "descfetch",
	})
	return &App{cfg: cfg, log: log}, nil
}

// Close flushes the log file.
func (a *App) Close() error {
	return logger.Close(a.log)
}

func (a *App) storeOptions() store.Options {
	return store.Options{
		Driver:      a.cfg.Store.Driver,
		SQLitePath:  a.cfg.Store.SQLitePath,
		PostgresDSN: a.cfg.Store.PostgresDSN,
		Logger:      a.log,
	}
}

func (a *App) newFetcher() *device.Fetcher {
	client := httpclient.New(
		httpclient.WithLogger(a.log),
		httpclient.WithTimeout(a.cfg.Fetch.Timeout+time.Second),
	)
	return device.NewFetcher(client, device.Options{
		InitialDelay: a.cfg.Fetch.InitialDelay,
		MaxAttempts:  a.cfg.Fetch.MaxAttempts,
		MaxDelay:     a.cfg.Fetch.MaxDelay,
		Timeout:      a.cfg.Fetch.Timeout,
		Jitter:       retry.ParseJitterStrategy(a.cfg.Fetch.Jitter),
	}, a.log)
}

// Migrate applies the database schema.
func (a *App) Migrate(ctx context.Context) error {
	return store.Migrate(ctx, a.storeOptions())
}

// Fetch runs a single campaign for url and writes the description to w as JSON.
func (a *App) Fetch(ctx context.Context, url string, w io.Writer) error {
	if _, err := device.ValidateURL(url); err != nil {
		return err
	}
	d, err := a.newFetcher().Fetch(ctx, url)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// Serve runs the HTTP API, the refresh scheduler and the Telegram bot until
// ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	a.log.Info("starting", slog.String("addr", a.cfg.HTTP.Addr), slog.String("store", a.cfg.Store.Driver))

	st, err := store.Open(ctx, a.storeOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			a.log.Error("close store", slog.Any("error", err))
		}
	}()

	var (
		b    *bot.Bot
		disp *telegram.Dispatcher
	)
	if a.cfg.Telegram.Token != "" {
		if b, err = a.newBot(func(ctx context.Context, upd *models.Update) { disp.Dispatch(ctx, upd) }); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}

	var notifier campaign.Notifier
	if b != nil && a.cfg.Telegram.NotifyChatID != 0 {
		notifier = telegram.NewNotifier(b, a.cfg.Telegram.NotifyChatID)
	}
	mgr := campaign.NewManager(a.newFetcher(), st, campaign.Options{Notifier: notifier}, a.log)
	defer mgr.Close()

	if b != nil {
		if len(a.cfg.Telegram.AllowedIDs) == 0 {
			a.log.Warn("TELEGRAM_ALLOWED_IDS is empty, the bot will refuse every user")
		}
		handler := middleware.Chain(handlers.New(mgr, a.log).Handle,
			middleware.Logging(a.log),
			middleware.NewACL(a.cfg.Telegram.AllowedIDs).Middleware,
			middleware.NewRateLimiter(time.Second, nil).Middleware,
		)
		disp = telegram.NewDispatcher(b, botWorkers, handler, a.log)
		defer disp.Close()
	}

	sched := scheduler.New(scheduler.Config{Logger: a.log})
	if len(a.cfg.Refresh.WatchURLs) > 0 {
		if err := scheduler.RegisterRefresh(sched, mgr, a.cfg.Refresh.WatchURLs, a.cfg.Refresh.Schedule); err != nil {
			return err
		}
	}
	sched.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sched.Stop(sctx); err != nil {
			a.log.Warn("stop scheduler", slog.Any("error", err))
		}
	}()

	var apiOpts httpapi.Options
	if b != nil {
		if a.cfg.Telegram.WebhookURL != "" {
			if _, err := b.SetWebhook(ctx, &bot.SetWebhookParams{
				URL:         a.cfg.Telegram.WebhookURL,
				SecretToken: a.cfg.Telegram.WebhookSecret,
			}); err != nil {
				return fmt.Errorf("telegram: set webhook: %w", err)
			}
			apiOpts.WebhookPath = webhookPath
			apiOpts.Webhook = b.WebhookHandler()
			go b.StartWebhook(ctx)
		} else {
			go b.Start(ctx)
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(mgr, a.log, apiOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func (a *App) newBot(dispatch func(ctx context.Context, upd *models.Update)) (*bot.Bot, error) {
	opts := []bot.Option{
		bot.WithDefaultHandler(func(ctx context.Context, _ *bot.Bot, upd *models.Update) {
			dispatch(ctx, upd)
		}),
		bot.WithAllowedUpdates([]string{"message", "callback_query"}),
		bot.WithHTTPClient(botPollTimeout, telegram.NewAPIClient(botPollTimeout, a.log)),
	}
	if a.cfg.Telegram.WebhookSecret != "" {
		opts = append(opts, bot.WithWebhookSecretToken(a.cfg.Telegram.WebhookSecret))
	}
	return bot.New(a.cfg.Telegram.Token, opts...)
}
