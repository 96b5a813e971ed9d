package clickhouse

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/pv/solar-templogger-go/internal/storage"
)

type Config struct {
	DSN string
	// Prefix добавляется к именам таблиц tl_batches/tl_samples.
	Prefix string
}

type Store struct {
	conn    ch.Conn
	batches string
	samples string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("clickhouse: DSN is empty")
	}
	opts, database, err := parseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	s := &Store{
		conn:    conn,
		batches: fmt.Sprintf("%s.%stl_batches", database, cfg.Prefix),
		samples: fmt.Sprintf("%s.%stl_samples", database, cfg.Prefix),
	}
	if err := s.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func parseDSN(dsn string) (*ch.Options, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("clickhouse: parse DSN: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = "localhost:9000"
	}
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, "9000")
	}
	database := strings.TrimPrefix(parsed.Path, "/")
	if database == "" {
		database = "default"
	}
	username := parsed.User.Username()
	password, _ := parsed.User.Password()

	return &ch.Options{
		Addr: []string{host},
		Auth: ch.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	}, database, nil
}

func (s *Store) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		fmt.Sprintf(createBatchesSQL, s.batches),
		fmt.Sprintf(createSamplesSQL, s.samples),
	} {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clickhouse: init schema: %w", err)
		}
	}
	return nil
}

// Save проверяет отпечаток и пишет замеры одним пакетом. Уникальных ключей
// в MergeTree нет, поэтому дубликаты отсекаются запросом перед вставкой.
func (s *Store) Save(ctx context.Context, batch storage.Batch) error {
	if s.conn == nil {
		return fmt.Errorf("clickhouse: store is not initialized")
	}
	var existing uint64
	if err := s.conn.QueryRow(ctx, fmt.Sprintf(`SELECT count() FROM %s WHERE fingerprint = ?`, s.batches), batch.Fingerprint).Scan(&existing); err != nil {
		return fmt.Errorf("clickhouse: lookup fingerprint: %w", err)
	}
	if existing > 0 {
		return storage.ErrDuplicate
	}

	samples, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (session_id, seq, ts, celsius)", s.samples))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare samples batch: %w", err)
	}
	for i, sample := range batch.Samples {
		if err := samples.Append(batch.SessionID, uint32(i), sample.Time.UTC(), sample.Celsius); err != nil {
			return fmt.Errorf("clickhouse: append sample %d: %w", i, err)
		}
	}
	if err := samples.Send(); err != nil {
		return fmt.Errorf("clickhouse: send samples batch: %w", err)
	}

	// Заголовок пишется последним: пакет без заголовка не считается сохранённым.
	header, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (session_id, fingerprint, source, imported_at, samples)", s.batches))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch header: %w", err)
	}
	if err := header.Append(batch.SessionID, batch.Fingerprint, batch.Source, batch.ImportedAt.UTC(), uint32(len(batch.Samples))); err != nil {
		return fmt.Errorf("clickhouse: append batch header: %w", err)
	}
	if err := header.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch header: %w", err)
	}
	return nil
}

func (s *Store) Range(ctx context.Context) (time.Time, time.Time, int64, error) {
	if s.conn == nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("clickhouse: store is not initialized")
	}
	var (
		minTs, maxTs time.Time
		count        uint64
	)
	row := s.conn.QueryRow(ctx, fmt.Sprintf(rangeSQL, s.samples))
	if err := row.Scan(&minTs, &maxTs, &count); err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("clickhouse: range scan: %w", err)
	}
	if count == 0 {
		return time.Time{}, time.Time{}, 0, nil
	}
	return minTs.UTC(), maxTs.UTC(), int64(count), nil
}

const createBatchesSQL = `
CREATE TABLE IF NOT EXISTS %s (
	session_id  UUID,
	fingerprint UInt64,
	source      String,
	imported_at DateTime64(3, 'UTC'),
	samples     UInt32
) ENGINE = MergeTree ORDER BY (fingerprint, session_id)`

const createSamplesSQL = `
CREATE TABLE IF NOT EXISTS %s (
	session_id UUID,
	seq        UInt32,
	ts         DateTime64(3, 'UTC'),
	celsius    Float64
) ENGINE = MergeTree ORDER BY (ts, session_id, seq)`

const rangeSQL = `
SELECT min(ts) AS min_ts,
       max(ts) AS max_ts,
       count() AS cnt
FROM %s
`

func IsSource(dsn string) bool {
	if dsn == "" {
		return false
	}
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "clickhouse://") || strings.HasPrefix(lower, "ch://")
}
