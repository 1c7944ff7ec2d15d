package store_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"descfetch/internal/device"
	"descfetch/internal/shared"
	"descfetch/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSQLite(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{
		Driver:     store.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "nested", "campaigns.db"),
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openPostgres(t *testing.T) store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	s, err := store.Open(context.Background(), store.Options{
		Driver:      store.DriverPostgres,
		PostgresDSN: dsn,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id, url string, started time.Time) store.Record {
	finished := started.Add(3 * time.Second)
	return store.Record{
		ID:       id,
		URL:      url,
		State:    "succeeded",
		Attempts: 2,
		Description: &device.Description{
			DeviceType:     "urn:dial-multiscreen-org:device:dial:1",
			FriendlyName:   "Living Room TV",
			UniqueID:       "uuid:2f402f80-da50-11e1-9b23-001788255acc",
			ApplicationURL: "http://192.0.2.10:8008/apps",
			ConfigID:       7,
			FetchedAt:      finished,
		},
		StartedAt:  started,
		FinishedAt: &finished,
	}
}

func TestStores(t *testing.T) {
	backends := map[string]func(*testing.T) store.Store{
		"sqlite":   openSQLite,
		"postgres": openPostgres,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("save and get", func(t *testing.T) { testSaveGet(t, open(t)) })
			t.Run("upsert", func(t *testing.T) { testUpsert(t, open(t)) })
			t.Run("list and latest", func(t *testing.T) { testListLatest(t, open(t)) })
			t.Run("ping", func(t *testing.T) { testPing(t, open(t)) })
		})
	}
}

// uniqueID keeps runs against a shared postgres database apart.
func uniqueID(t *testing.T, suffix string) string {
	return t.Name() + "-" + time.Now().Format("150405.000000000") + "-" + suffix
}

func testSaveGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := sampleRecord(uniqueID(t, "a"), "http://192.0.2.10:8008/dd.xml", started)

	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.URL, got.URL)
	assert.Equal(t, "succeeded", got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, started.Equal(got.StartedAt))
	require.NotNil(t, got.FinishedAt)
	assert.True(t, rec.FinishedAt.Equal(*got.FinishedAt))
	require.NotNil(t, got.Description)
	assert.Equal(t, "Living Room TV", got.Description.FriendlyName)
	assert.Equal(t, 7, got.Description.ConfigID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, shared.IsNotFound(err))
}

func testUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := store.Record{ID: uniqueID(t, "b"), URL: "http://192.0.2.11/dd.xml", State: "running", Attempts: 1, StartedAt: started}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FinishedAt)
	assert.Nil(t, got.Description)

	finished := started.Add(time.Minute)
	rec.State = "failed"
	rec.Attempts = 5
	rec.Error = "retries exceeded"
	rec.FinishedAt = &finished
	require.NoError(t, s.Save(ctx, rec))

	got, err = s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.State)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, "retries exceeded", got.Error)
	require.NotNil(t, got.FinishedAt)
}

func testListLatest(t *testing.T, s store.Store) {
	ctx := context.Background()
	url := "http://192.0.2.12/" + uniqueID(t, "dd.xml")
	base := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)

	older := sampleRecord(uniqueID(t, "old"), url, base)
	newer := sampleRecord(uniqueID(t, "new"), url, base.Add(time.Minute))
	newer.State = "failed"
	newer.Description = nil
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))

	latest, err := s.LatestByURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	list, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)

	_, err = s.LatestByURL(ctx, "http://192.0.2.99/none.xml")
	assert.True(t, shared.IsNotFound(err))
}

func testPing(t *testing.T, s store.Store) {
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}

func TestListLimitCapped(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := range 120 {
		rec := store.Record{
			ID:        fmt.Sprintf("c-%03d", i),
			URL:       "http://192.0.2.13/dd.xml",
			State:     "succeeded",
			Attempts:  1,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Save(ctx, rec))
	}

	all, err := s.List(ctx, 5000)
	require.NoError(t, err)
	assert.Len(t, all, 120)
	assert.Equal(t, "c-119", all[0].ID)

	def, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, def, 100)
}

func TestMigrateUnknownDriver(t *testing.T) {
	err := store.Migrate(context.Background(), store.Options{Driver: "mysql"})
	assert.True(t, shared.IsValidation(err))
}

func TestMigrateIdempotent(t *testing.T) {
	opts := store.Options{
		Driver:     store.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "campaigns.db"),
		Logger:     quietLogger(),
	}
	require.NoError(t, store.Migrate(context.Background(), opts))
	require.NoError(t, store.Migrate(context.Background(), opts))
}
