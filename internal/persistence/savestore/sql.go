package savestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"

	"estateplanner.dev/internal/persistence/snapshot"
)

const defaultDSN = "postgres://localhost/estateplanner?sslmode=disable"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

type dialect struct {
	driver string
	ddl    string
	upsert string
	load   string
}

var sqliteDialect = dialect{
	driver: "sqlite",
	ddl: `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	)`,
	upsert: `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
	load:   `SELECT payload FROM state WHERE bucket=?`,
}

var postgresDialect = dialect{
	driver: "pgx",
	ddl: `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`,
	upsert: `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`,
	load:   `SELECT payload FROM state WHERE bucket=$1`,
}

// SQLStore keeps the snapshot as a JSON document in a single-row bucket
// keyed by estate id.
type SQLStore struct {
	db     *sql.DB
	d      dialect
	bucket string
}

func OpenSQLite(path, estateID string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("savestore: empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s, err := openSQL(sqliteDialect, path, estateID)
	if err != nil {
		return nil, err
	}
	s.db.SetMaxOpenConns(1)
	return s, nil
}

func OpenPostgres(dsn, estateID string) (*SQLStore, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	return openSQL(postgresDialect, dsn, estateID)
}

func openSQL(d dialect, dsn, estateID string) (*SQLStore, error) {
	openMu.Lock()
	db, err := sqlOpen(d.driver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.driver, err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.driver, err)
	}
	if _, err := db.ExecContext(ctx, d.ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure state table: %w", err)
	}
	return &SQLStore{db: db, d: d, bucket: estateID}, nil
}

func (s *SQLStore) Load(ctx context.Context) (snapshot.SnapshotV1, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.d.load, s.bucket).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.SnapshotV1{}, ErrNotFound
	}
	if err != nil {
		return snapshot.SnapshotV1{}, fmt.Errorf("select state: %w", err)
	}
	snap, err := snapshot.DecodeJSON(payload)
	if err != nil {
		return snapshot.SnapshotV1{}, fmt.Errorf("decode %s: %w", s.bucket, err)
	}
	return snap, nil
}

func (s *SQLStore) Save(ctx context.Context, snap snapshot.SnapshotV1) error {
	data, err := snapshot.EncodeJSON(snap)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.d.upsert, s.bucket, string(data)); err != nil {
		return fmt.Errorf("upsert %s: %w", s.bucket, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for tests.
func (s *SQLStore) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sql.Open function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
