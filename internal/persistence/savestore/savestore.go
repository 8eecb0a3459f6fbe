// Package savestore keeps the latest estate snapshot so a restarted server
// resumes where it stopped. One snapshot is kept per estate id.
package savestore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"estateplanner.dev/internal/persistence/snapshot"
)

// ErrNotFound is returned by Load when nothing was saved yet.
var ErrNotFound = errors.New("no saved estate")

type Store interface {
	Load(ctx context.Context) (snapshot.SnapshotV1, error)
	Save(ctx context.Context, snap snapshot.SnapshotV1) error
	Close() error
}

type Config struct {
	// Backend is "file" (default), "sqlite" or "postgres".
	Backend  string
	EstateID string
	// Dir holds latest.snap.zst for the file backend.
	Dir string
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string
	// DSN is the postgres connection string.
	DSN string
}

func Open(cfg Config) (Store, error) {
	if cfg.EstateID == "" {
		return nil, fmt.Errorf("savestore: empty estate id")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("savestore: file backend needs a directory")
		}
		return NewFileStore(cfg.Dir), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath, cfg.EstateID)
	case "postgres", "pg":
		return OpenPostgres(cfg.DSN, cfg.EstateID)
	default:
		return nil, fmt.Errorf("savestore: unknown backend %q", cfg.Backend)
	}
}

// Importer is satisfied by estate.Estate and estate.Engine.
type Importer interface {
	ImportSnapshot(s snapshot.SnapshotV1) error
}

// Restore loads the saved snapshot into dst. A missing, unreadable or
// inconsistent save leaves dst untouched and is only logged; the caller then
// runs on its defaults.
func Restore(ctx context.Context, s Store, dst Importer, logger *log.Logger) (snapshot.SnapshotV1, bool) {
	snap, err := s.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && logger != nil {
			logger.Printf("saved estate unreadable, starting from defaults: %v", err)
		}
		return snapshot.SnapshotV1{}, false
	}
	if err := dst.ImportSnapshot(snap); err != nil {
		if logger != nil {
			logger.Printf("saved estate rejected, starting from defaults: %v", err)
		}
		return snapshot.SnapshotV1{}, false
	}
	return snap, true
}

// FileStore writes zstd snapshot files, replacing the previous one atomically.
type FileStore struct {
	path string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, "latest.snap.zst")}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(ctx context.Context) (snapshot.SnapshotV1, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.SnapshotV1{}, err
	}
	snap, err := snapshot.ReadSnapshot(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return snapshot.SnapshotV1{}, ErrNotFound
	}
	if err != nil {
		return snapshot.SnapshotV1{}, fmt.Errorf("read %s: %w", f.path, err)
	}
	return snap, nil
}

func (f *FileStore) Save(ctx context.Context, snap snapshot.SnapshotV1) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return snapshot.WriteSnapshot(f.path, snap)
}

func (f *FileStore) Close() error { return nil }
