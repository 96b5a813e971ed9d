package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pv/solar-templogger-go/internal/storage"
)

const (
	batchesTable = "tl_batches"
	samplesTable = "tl_samples"
)

type Pragmas struct {
	WAL     bool
	SyncOff bool
}

type Config struct {
	Source  string
	Pragmas Pragmas
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}
	db, err := sql.Open("sqlite", cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Один писатель: SQLite не любит параллельные транзакции на одном файле.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	store := &Store{db: db}
	if err := store.applyPragmas(ctx, cfg.Pragmas); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Store) applyPragmas(ctx context.Context, p Pragmas) error {
	var stmts []string
	if p.WAL {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	if p.SyncOff {
		stmts = append(stmts, "PRAGMA synchronous=OFF")
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: %s: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range []string{createBatchesSQL, createSamplesSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Save(ctx context.Context, batch storage.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+batchesTable+` WHERE fingerprint = ?`, int64(batch.Fingerprint)).Scan(&exists)
	switch {
	case err == nil:
		return storage.ErrDuplicate
	case err != sql.ErrNoRows:
		return fmt.Errorf("sqlite: lookup fingerprint: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+batchesTable+`(session_id, fingerprint, source, imported_at, samples) VALUES (?, ?, ?, ?, ?)`,
		batch.SessionID.String(), int64(batch.Fingerprint), batch.Source, batch.ImportedAt.UTC().Format(time.RFC3339Nano), len(batch.Samples),
	); err != nil {
		return fmt.Errorf("sqlite: insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+samplesTable+`(session_id, seq, ts_usec, celsius) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()
	sid := batch.SessionID.String()
	for i, sample := range batch.Samples {
		if _, err := stmt.ExecContext(ctx, sid, i, sample.Time.UnixMicro(), sample.Celsius); err != nil {
			return fmt.Errorf("sqlite: insert sample %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *Store) Range(ctx context.Context) (time.Time, time.Time, int64, error) {
	var minUsec, maxUsec sql.NullInt64
	var count int64
	row := s.db.QueryRowContext(ctx, `SELECT MIN(ts_usec), MAX(ts_usec), COUNT(*) FROM `+samplesTable)
	if err := row.Scan(&minUsec, &maxUsec, &count); err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("sqlite: range scan: %w", err)
	}
	if !minUsec.Valid || !maxUsec.Valid {
		return time.Time{}, time.Time{}, 0, nil
	}
	return time.UnixMicro(minUsec.Int64).UTC(), time.UnixMicro(maxUsec.Int64).UTC(), count, nil
}

const createBatchesSQL = `
CREATE TABLE IF NOT EXISTS ` + batchesTable + `(
	session_id  TEXT PRIMARY KEY,
	fingerprint INTEGER NOT NULL UNIQUE,
	source      TEXT NOT NULL,
	imported_at TEXT NOT NULL,
	samples     INTEGER NOT NULL
);
`

const createSamplesSQL = `
CREATE TABLE IF NOT EXISTS ` + samplesTable + `(
	session_id TEXT NOT NULL REFERENCES ` + batchesTable + `(session_id),
	seq        INTEGER NOT NULL,
	ts_usec    INTEGER NOT NULL,
	celsius    REAL NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

func IsSource(src string) bool {
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		src == ":memory:":
		return true
	default:
		return false
	}
}

func NormalizeSource(src string) string {
	if strings.HasPrefix(src, "sqlite://") {
		return strings.TrimPrefix(src, "sqlite://")
	}
	return src
}
