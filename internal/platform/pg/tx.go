package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"descfetch/pkg/retry"
)

// txKey используется как ключ для хранения транзакции в context.Context
type txKey struct{}

// Querier объединяет методы выполнения запросов, общие для пула и транзакции.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// TxRunner выполняет код внутри транзакции. Транзакция целиком повторяется
// при конфликте сериализации или дедлоке.
type TxRunner struct {
	Pool  *pgxpool.Pool
	Retry retry.Config
}

// NewTxRunner создает TxRunner с указанным пулом подключений.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{
		Pool: pool,
		Retry: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   20 * time.Millisecond,
			MaxDelay:       500 * time.Millisecond,
			JitterStrategy: retry.JitterEqual,
		},
	}
}

// WithinTx выполняет fn внутри транзакции с уровнем изоляции по умолчанию.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.WithinTxWithOptions(ctx, pgx.TxOptions{}, fn)
}

// WithinTxWithOptions выполняет fn внутри транзакции с заданными опциями.
// Ошибка fn откатывает транзакцию, успех коммитит. Транзакция доступна через PgxTx(ctx).
func (r *TxRunner) WithinTxWithOptions(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context) error) error {
	cfg := r.Retry
	cfg.Retryable = IsSerializationFailure
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, r.Pool, opts, func(tx pgx.Tx) error {
			return fn(context.WithValue(ctx, txKey{}, tx))
		})
	})
}

// PgxTx извлекает активную транзакцию из контекста.
func PgxTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// GetQuerier возвращает транзакцию из контекста или пул.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if tx, ok := PgxTx(ctx); ok {
		return tx
	}
	return r.Pool
}

// IsSerializationFailure сообщает о конфликте сериализации (40001) или дедлоке (40P01).
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// IsUniqueViolation сообщает о нарушении уникального ограничения (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
