package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"estateplanner.dev/internal/persistence/indexdb"
	"estateplanner.dev/internal/persistence/snapshot"
	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate"
	"estateplanner.dev/internal/sim/tuning"
)

type runtimeIndex interface {
	estate.TickLogger
	estate.AuditLogger
	Close() error
	Stats() indexdb.Stats
	UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
}

func openRuntimeIndex(estateDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("EST_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(estateDir, "index", "estate.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported EST_INDEX_BACKEND: %s", backend)
	}
}
