package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pv/solar-templogger-go/internal/dataset"
	"github.com/pv/solar-templogger-go/internal/storage"
)

func TestNewErrorsAndHelpers(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{}); err == nil {
		t.Fatalf("expected error on empty conn string")
	}
	if !IsPostgresURL("postgres://localhost/db") || !IsPostgresURL("postgresql://host/db") {
		t.Fatalf("IsPostgresURL failed on valid inputs")
	}
	if IsPostgresURL("http://example.com") {
		t.Fatalf("IsPostgresURL false positive")
	}
}

func TestUninitializedStore(t *testing.T) {
	store := &Store{}
	if err := store.Save(context.Background(), storage.Batch{}); err == nil {
		t.Fatalf("Save on empty store expected error")
	}
	if _, _, _, err := store.Range(context.Background()); err == nil {
		t.Fatalf("Range on empty store expected error")
	}
	store.Close()
}

func TestStoreSaveAndRange_Postgres(t *testing.T) {
	dsn := os.Getenv("TL_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TL_POSTGRES_DSN is not set; skipping Postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resetTables(t, ctx, dsn)

	store, err := New(ctx, Config{ConnString: dsn})
	if err != nil {
		t.Fatalf("postgres.New error: %v", err)
	}
	defer store.Close()

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	samples := []dataset.Sample{
		{Time: start.Add(4*time.Second + 999*time.Millisecond), Celsius: 24},
		{Time: start, Celsius: 10},
		{Time: start.Add(time.Second), Celsius: 20.5},
	}
	batch := storage.NewBatch(uuid.New(), "COM3", []byte("pg-file"), samples, start)
	if err := store.Save(ctx, batch); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	dup := storage.NewBatch(uuid.New(), "COM3", []byte("pg-file"), samples, start)
	if err := store.Save(ctx, dup); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	min, max, count, err := store.Range(ctx)
	if err != nil {
		t.Fatalf("Range returned error: %v", err)
	}
	if !min.Equal(start) {
		t.Fatalf("Range min mismatch: got %s", min)
	}
	if want := samples[0].Time; !max.Equal(want) {
		t.Fatalf("Range max mismatch: got %s want %s", max, want)
	}
	if count != 3 {
		t.Fatalf("Range count mismatch: %d", count)
	}
}

func resetTables(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()
	for _, table := range []string{"tl_samples", "tl_batches"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
}
