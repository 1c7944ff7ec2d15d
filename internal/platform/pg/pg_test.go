package pg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"descfetch/pkg/retry"
)

func TestDefaultPoolOptions(t *testing.T) {
	opts := DefaultPoolOptions()
	assert.Equal(t, int32(8), opts.MaxConns)
	assert.Equal(t, int32(1), opts.MinConns)
	assert.Equal(t, 5*time.Second, opts.PingTimeout)
	assert.Equal(t, "descfetch", opts.ApplicationName)
}

func TestApplyPoolOptions(t *testing.T) {
	cfg, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/app")
	require.NoError(t, err)
	applyPoolOptions(cfg, PoolOptions{MaxConns: 3, MinConns: 1, ApplicationName: "descfetch"})
	assert.Equal(t, int32(3), cfg.MaxConns)
	assert.Equal(t, int32(1), cfg.MinConns)
	assert.Equal(t, "descfetch", cfg.ConnConfig.RuntimeParams["application_name"])

	cfg, err = pgxpool.ParseConfig("postgres://u:p@localhost:5432/app?application_name=worker")
	require.NoError(t, err)
	applyPoolOptions(cfg, DefaultPoolOptions())
	assert.Equal(t, "worker", cfg.ConnConfig.RuntimeParams["application_name"])
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/app?sslmode=disable", MigrateURL("postgres://u:p@db:5432/app?sslmode=disable"))
	assert.Equal(t, "pgx5://db/app", MigrateURL("postgresql://db/app"))
	assert.Equal(t, "pgx5://db/app", MigrateURL("pgx5://db/app"))
}

func TestErrorClassifiers(t *testing.T) {
	serialization := fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"})
	deadlock := &pgconn.PgError{Code: "40P01"}
	unique := &pgconn.PgError{Code: "23505"}

	assert.True(t, IsSerializationFailure(serialization))
	assert.True(t, IsSerializationFailure(deadlock))
	assert.False(t, IsSerializationFailure(unique))
	assert.False(t, IsSerializationFailure(errors.New("40001")))

	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsUniqueViolation(deadlock))
}

func TestWaitForDB_InvalidDSNFailsFast(t *testing.T) {
	opts := DefaultHealthCheckOptions()
	opts.InitialInterval = time.Hour

	start := time.Now()
	err := WaitForDB(context.Background(), "postgres://localhost:notaport/db", opts)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForDB_Unreachable(t *testing.T) {
	var retries int
	opts := HealthCheckOptions{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		PingTimeout:     time.Second,
		OnRetry:         func(int, error, time.Duration) { retries++ },
	}

	err := WaitForDB(context.Background(), "postgres://u:p@127.0.0.1:1/db?connect_timeout=1", opts)
	var exceeded *retry.RetriesExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 3, exceeded.Attempts)
	assert.Equal(t, 2, retries)
}

func TestWaitForDB_ContextCancel(t *testing.T) {
	opts := DefaultHealthCheckOptions()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := WaitForDB(ctx, "postgres://u:p@127.0.0.1:1/db?connect_timeout=1", opts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealthCheckPool_Nil(t *testing.T) {
	assert.EqualError(t, HealthCheckPool(context.Background(), nil), "pool is nil")
}

// testDSN возвращает DSN тестовой базы или пропускает тест.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestIntegration_PoolMigrateTx(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, HealthCheckPool(ctx, pool))

	_, err = pool.Exec(ctx, "DROP TABLE IF EXISTS pg_test_items; DROP TABLE IF EXISTS schema_migrations")
	require.NoError(t, err)

	fsys := fstest.MapFS{
		"m/000001_items.up.sql":   {Data: []byte("CREATE TABLE pg_test_items (name TEXT PRIMARY KEY);")},
		"m/000001_items.down.sql": {Data: []byte("DROP TABLE pg_test_items;")},
	}
	info, err := ApplyMigrations(dsn, fsys, "m")
	require.NoError(t, err)
	assert.True(t, info.Applied)
	assert.Equal(t, uint(1), info.FinalVersion)

	info, err = ApplyMigrations(dsn, fsys, "m")
	require.NoError(t, err)
	assert.False(t, info.Applied)

	r := NewTxRunner(pool)
	err = r.WithinTx(ctx, func(ctx context.Context) error {
		_, ok := PgxTx(ctx)
		assert.True(t, ok)
		_, err := r.GetQuerier(ctx).Exec(ctx, "INSERT INTO pg_test_items (name) VALUES ('a')")
		return err
	})
	require.NoError(t, err)

	err = r.WithinTx(ctx, func(ctx context.Context) error {
		_, err := r.GetQuerier(ctx).Exec(ctx, "INSERT INTO pg_test_items (name) VALUES ('a')")
		return err
	})
	assert.True(t, IsUniqueViolation(err))
}
