package storage

import (
	"context"
	"errors"
	"time"

	"github.com/go-faster/city"
	"github.com/google/uuid"

	"github.com/pv/solar-templogger-go/internal/dataset"
)

// ErrDuplicate возвращают архивы, если пакет с таким отпечатком уже сохранён.
var ErrDuplicate = errors.New("storage: batch already archived")

// Batch: один загруженный набор, сохраняемый в историю.
type Batch struct {
	SessionID uuid.UUID
	// Fingerprint: хеш содержимого канонического файла.
	Fingerprint uint64
	// Source: порт или путь, откуда получен набор.
	Source     string
	ImportedAt time.Time
	Samples    []dataset.Sample
}

// Archive: интерфейс для записи истории загрузок в конкретное хранилище (SQLite, Postgres...).
type Archive interface {
	// Save сохраняет пакет. Для уже сохранённого отпечатка возвращает ErrDuplicate.
	Save(ctx context.Context, batch Batch) error
	// Range возвращает минимальное и максимальное время замеров и их количество.
	Range(ctx context.Context) (time.Time, time.Time, int64, error)
	Close()
}

// Fingerprint вычисляет отпечаток содержимого файла.
func Fingerprint(data []byte) uint64 {
	return city.Hash64(data)
}

// NewBatch собирает пакет из снимка набора.
func NewBatch(sessionID uuid.UUID, source string, content []byte, samples []dataset.Sample, now time.Time) Batch {
	return Batch{
		SessionID:   sessionID,
		Fingerprint: Fingerprint(content),
		Source:      source,
		ImportedAt:  now.UTC(),
		Samples:     samples,
	}
}
