package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env  string `validate:"required,oneof=dev prod"`
	HTTP struct {
		Addr string `validate:"required"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	Store struct {
		Driver      string `validate:"required,oneof=sqlite postgres"`
		SQLitePath  string `validate:"required_if=Driver sqlite"`
		PostgresDSN string `validate:"required_if=Driver postgres"`
	}
	Fetch struct {
		InitialDelay time.Duration `validate:"gt=0"`
		MaxAttempts  int           `validate:"gte=1,lte=20"`
		MaxDelay     time.Duration `validate:"gte=0"`
		Timeout      time.Duration `validate:"gt=0"`
		Jitter       string        `validate:"oneof=none equal decorrelated"`
	}
	Refresh struct {
		WatchURLs []string `validate:"dive,url"`
		Schedule  string
	}
	Telegram struct {
		Token         string
		NotifyChatID  int64
		AllowedIDs    []int64
		WebhookURL    string `validate:"omitempty,url"`
		WebhookSecret string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/descfetch.log")

	c.Store.Driver = strings.ToLower(getenv("STORE_DRIVER", "sqlite"))
	c.Store.SQLitePath = getenv("SQLITE_PATH", "data/descfetch.db")
	c.Store.PostgresDSN = os.Getenv("POSTGRES_DSN")

	var errs []error
	c.Fetch.InitialDelay = durationEnv("FETCH_INITIAL_DELAY", 500*time.Millisecond, &errs)
	c.Fetch.MaxAttempts = intEnv("FETCH_MAX_ATTEMPTS", 5, &errs)
	c.Fetch.MaxDelay = durationEnv("FETCH_MAX_DELAY", 30*time.Second, &errs)
	c.Fetch.Timeout = durationEnv("FETCH_TIMEOUT", 5*time.Second, &errs)
	c.Fetch.Jitter = strings.ToLower(getenv("FETCH_JITTER", "none"))

	c.Refresh.WatchURLs = splitList(os.Getenv("WATCH_URLS"))
	c.Refresh.Schedule = getenv("REFRESH_SCHEDULE", "0 */15 * * * *")

	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Telegram.WebhookURL = os.Getenv("TELEGRAM_WEBHOOK_URL")
	c.Telegram.WebhookSecret = os.Getenv("TELEGRAM_WEBHOOK_SECRET")
	if v := os.Getenv("TELEGRAM_NOTIFY_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_NOTIFY_CHAT_ID: %w", err))
		}
		c.Telegram.NotifyChatID = id
	}
	for _, s := range splitList(os.Getenv("TELEGRAM_ALLOWED_IDS")) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_ALLOWED_IDS: %w", err))
			continue
		}
		c.Telegram.AllowedIDs = append(c.Telegram.AllowedIDs, id)
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.Fetch.MaxDelay > 0 && c.Fetch.InitialDelay > c.Fetch.MaxDelay {
		return Config{}, errors.New("FETCH_INITIAL_DELAY cannot be greater than FETCH_MAX_DELAY")
	}
	if c.Telegram.NotifyChatID != 0 && c.Telegram.Token == "" {
		return Config{}, errors.New("TELEGRAM_BOT_TOKEN required when TELEGRAM_NOTIFY_CHAT_ID is set")
	}
	if c.Telegram.WebhookURL != "" && c.Telegram.Token == "" {
		return Config{}, errors.New("TELEGRAM_BOT_TOKEN required when TELEGRAM_WEBHOOK_URL is set")
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func durationEnv(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

func intEnv(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

// splitList splits a comma or whitespace separated list, dropping empty items.
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}
