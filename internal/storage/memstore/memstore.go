package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/pv/solar-templogger-go/internal/storage"
)

// Store хранит архив в памяти процесса. Используется по умолчанию и в тестах.
type Store struct {
	mu      sync.Mutex
	batches []storage.Batch
	seen    map[uint64]struct{}
}

func New() *Store {
	return &Store{seen: make(map[uint64]struct{})}
}

func (s *Store) Save(ctx context.Context, batch storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[batch.Fingerprint]; ok {
		return storage.ErrDuplicate
	}
	s.seen[batch.Fingerprint] = struct{}{}
	batch.Samples = append(batch.Samples[:0:0], batch.Samples...)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *Store) Range(ctx context.Context) (time.Time, time.Time, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		min, max time.Time
		count    int64
	)
	for _, b := range s.batches {
		for _, sample := range b.Samples {
			if count == 0 || sample.Time.Before(min) {
				min = sample.Time
			}
			if count == 0 || sample.Time.After(max) {
				max = sample.Time
			}
			count++
		}
	}
	return min, max, count, ctx.Err()
}

// Batches возвращает копию сохранённых пакетов.
func (s *Store) Batches() []storage.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Batch(nil), s.batches...)
}

func (s *Store) Close() {}
