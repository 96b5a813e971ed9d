package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pv/solar-templogger-go/internal/storage"
)

type Config struct {
	ConnString string
	MaxConns   int32
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is empty")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := ensureUTCTimezone(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func ensureUTCTimezone(ctx context.Context, pool *pgxpool.Pool) error {
	var tz string
	if err := pool.QueryRow(ctx, "SHOW timezone").Scan(&tz); err != nil {
		return fmt.Errorf("postgres: failed to check timezone: %w", err)
	}
	if tz == "UTC" || tz == "Etc/UTC" {
		log.Printf("postgres: timezone is %s (OK)", tz)
		return nil
	}
	// Время пишется как timestamptz, поэтому часовой пояс сервера на данные не влияет.
	log.Printf("postgres: WARNING: database timezone is %q, samples are stored as UTC", tz)
	return nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{createBatchesSQL, createSamplesSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Save пишет заголовок пакета и замеры через COPY в одной транзакции.
func (s *Store) Save(ctx context.Context, batch storage.Batch) error {
	if s.pool == nil {
		return fmt.Errorf("postgres: store is not initialized")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, insertBatchSQL,
		[16]byte(batch.SessionID), int64(batch.Fingerprint), batch.Source, batch.ImportedAt.UTC(), len(batch.Samples))
	if err != nil {
		return fmt.Errorf("postgres: insert batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicate
	}

	sid := [16]byte(batch.SessionID)
	rows := make([][]any, 0, len(batch.Samples))
	for i, sample := range batch.Samples {
		rows = append(rows, []any{sid, int32(i), sample.Time.UTC(), sample.Celsius})
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"tl_samples"},
		[]string{"session_id", "seq", "ts", "celsius"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: copy samples: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("postgres: copied %d of %d samples", n, len(rows))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	log.Printf("postgres: archived session %s, %d samples", batch.SessionID, n)
	return nil
}

func (s *Store) Range(ctx context.Context) (time.Time, time.Time, int64, error) {
	if s.pool == nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("postgres: store is not initialized")
	}
	var (
		minTs, maxTs *time.Time
		count        int64
	)
	err := s.pool.QueryRow(ctx, `SELECT MIN(ts), MAX(ts), COUNT(*) FROM tl_samples`).Scan(&minTs, &maxTs, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, time.Time{}, 0, nil
		}
		return time.Time{}, time.Time{}, 0, fmt.Errorf("postgres: range query: %w", err)
	}
	if minTs == nil || maxTs == nil {
		return time.Time{}, time.Time{}, 0, nil
	}
	return minTs.UTC(), maxTs.UTC(), count, nil
}

const createBatchesSQL = `
CREATE TABLE IF NOT EXISTS tl_batches (
	session_id  uuid PRIMARY KEY,
	fingerprint bigint NOT NULL UNIQUE,
	source      text NOT NULL,
	imported_at timestamptz NOT NULL,
	samples     integer NOT NULL
)`

const createSamplesSQL = `
CREATE TABLE IF NOT EXISTS tl_samples (
	session_id uuid NOT NULL REFERENCES tl_batches(session_id),
	seq        integer NOT NULL,
	ts         timestamptz NOT NULL,
	celsius    double precision NOT NULL,
	PRIMARY KEY (session_id, seq)
)`

const insertBatchSQL = `
INSERT INTO tl_batches (session_id, fingerprint, source, imported_at, samples)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (fingerprint) DO NOTHING`

func IsPostgresURL(db string) bool {
	return strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://")
}
