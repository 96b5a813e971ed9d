package dataset

import (
	"sync"
	"time"
)

// Snapshot: согласованный срез состояния хранилища для читателя.
type Snapshot struct {
	Dataset  Dataset
	Version  uint64
	Source   string
	LoadedAt time.Time
}

// Samples: сокращение для Snapshot.Dataset.Samples().
func (s Snapshot) Samples() []Sample { return s.Dataset.Samples() }

// Stats: сокращение для Snapshot.Dataset.Stats().
func (s Snapshot) Stats() Stats { return s.Dataset.Stats() }

// Store хранит единственный актуальный набор данных.
// Замена атомарна: читатель видит либо старый набор целиком, либо новый.
type Store struct {
	mu       sync.Mutex
	current  Dataset
	version  uint64
	source   string
	loadedAt time.Time
	now      func() time.Time
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Replace заменяет набор данных и возвращает новую версию.
func (s *Store) Replace(ds Dataset, source string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ds
	s.source = source
	s.loadedAt = s.now()
	s.version++
	return s.version
}

// Snapshot возвращает текущий набор вместе с агрегатами.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Dataset:  s.current,
		Version:  s.version,
		Source:   s.source,
		LoadedAt: s.loadedAt,
	}
}

// Version возвращает номер последней замены (0, если набор ещё не загружался).
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}
