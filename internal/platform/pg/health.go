package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"descfetch/pkg/retry"
)

// HealthCheckOptions содержит опции ожидания готовности БД.
type HealthCheckOptions struct {
	// MaxAttempts - максимальное количество попыток подключения
	MaxAttempts int
	// InitialInterval - задержка после первой неудачи, дальше удваивается
	InitialInterval time.Duration
	// MaxInterval - верхняя граница задержки
	MaxInterval time.Duration
	// PingTimeout - таймаут каждой попытки
	PingTimeout time.Duration
	// OnRetry вызывается перед каждым ожиданием
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultHealthCheckOptions возвращает опции по умолчанию: до 10 попыток, 1с..30с.
func DefaultHealthCheckOptions() HealthCheckOptions {
	return HealthCheckOptions{
		MaxAttempts:     10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		PingTimeout:     5 * time.Second,
	}
}

// WaitForDB ждёт, пока база станет доступна, повторяя ping с экспоненциальной задержкой.
// Отмена ctx прерывает ожидание.
func WaitForDB(ctx context.Context, dsn string, opts HealthCheckOptions) error {
	cfg := retry.Config{
		MaxAttempts:    opts.MaxAttempts,
		InitialDelay:   opts.InitialInterval,
		MaxDelay:       opts.MaxInterval,
		JitterStrategy: retry.JitterEqual,
		Retryable:      isRetryablePing,
		OnRetry:        opts.OnRetry,
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		return pingDatabase(ctx, dsn, opts.PingTimeout)
	})
	if err != nil {
		return fmt.Errorf("database not available: %w", err)
	}
	return nil
}

// isRetryablePing отсекает ошибки, которые не исправятся ожиданием (неверный DSN).
func isRetryablePing(err error) bool {
	var cfgErr *pgxParseError
	return !errors.As(err, &cfgErr)
}

type pgxParseError struct{ err error }

func (e *pgxParseError) Error() string { return e.err.Error() }
func (e *pgxParseError) Unwrap() error { return e.err }

// HealthCheckPool проверяет существующий пул: ping и SELECT 1.
func HealthCheckPool(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("pool is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pool ping failed: %w", err)
	}
	var result int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("simple query failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected query result: got %d, want 1", result)
	}
	return nil
}

// pingDatabase выполняет пинг БД через временный пул.
func pingDatabase(ctx context.Context, dsn string, timeout time.Duration) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return &pgxParseError{err: err}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
