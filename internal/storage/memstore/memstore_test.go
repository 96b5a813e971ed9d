package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pv/solar-templogger-go/internal/dataset"
	"github.com/pv/solar-templogger-go/internal/storage"
)

func TestStoreSaveDedupeAndRange(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	samples := []dataset.Sample{
		{Time: start.Add(2 * time.Minute), Celsius: 21},
		{Time: start, Celsius: 20},
		{Time: start.Add(time.Minute), Celsius: 22},
	}
	store := New()

	batch := storage.NewBatch(uuid.New(), "COM3", []byte("content"), samples, start)
	if err := store.Save(ctx, batch); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	samples[0].Celsius = 99
	if got := store.Batches()[0].Samples[0].Celsius; got != 21 {
		t.Fatalf("archive must own its samples, got %v", got)
	}

	dup := storage.NewBatch(uuid.New(), "COM4", []byte("content"), samples, start)
	if err := store.Save(ctx, dup); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	min, max, count, err := store.Range(ctx)
	if err != nil {
		t.Fatalf("Range returned error: %v", err)
	}
	if !min.Equal(start) || !max.Equal(start.Add(2*time.Minute)) || count != 3 {
		t.Fatalf("unexpected range: %s %s %d", min, max, count)
	}
}

func TestStoreRangeEmpty(t *testing.T) {
	min, max, count, err := New().Range(context.Background())
	if err != nil || !min.IsZero() || !max.IsZero() || count != 0 {
		t.Fatalf("unexpected empty range: %s %s %d %v", min, max, count, err)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := storage.Fingerprint([]byte("abc"))
	if a != storage.Fingerprint([]byte("abc")) {
		t.Fatalf("fingerprint is not deterministic")
	}
	if a == storage.Fingerprint([]byte("abd")) {
		t.Fatalf("fingerprint collision on different content")
	}
}
