package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"estateplanner.dev/internal/persistence/snapshot"
	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate"
)

func TestArchiveResetSnapshot_KeepsPreResetState(t *testing.T) {
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("catalogs.Load: %v", err)
	}
	g := estate.NewEngine(estate.EngineConfig{ID: "home", TickRateHz: 1}, estate.New(estate.DefaultConfig(), &cats.Structures))
	ch := make(chan snapshot.SnapshotV1, 1)
	g.SetArchiveSink(ch)

	g.Step()
	if _, err := g.Build("test", 4, "solar"); err != nil {
		t.Fatalf("build: %v", err)
	}
	select {
	case <-ch:
		t.Fatalf("archive offered for a build")
	default:
	}
	if err := g.Reset("test"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	var before snapshot.SnapshotV1
	select {
	case before = <-ch:
	default:
		t.Fatalf("no archive snapshot after reset")
	}

	estateDir := t.TempDir()
	gen, path, err := ArchiveResetSnapshot(estateDir, before)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if gen != 1 || path != filepath.Join(estateDir, "archives", "reset_001", "1.snap.zst") {
		t.Fatalf("gen=%d path=%s", gen, path)
	}

	got, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if got.Currency != 3390000 || len(got.Grid.Plots[4].Structures) != 1 {
		t.Fatalf("archived state: currency=%d structures=%d", got.Currency, len(got.Grid.Plots[4].Structures))
	}

	b, err := os.ReadFile(filepath.Join(filepath.Dir(path), "meta.json"))
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	var meta ResetArchiveMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if meta.EstateID != "home" || meta.EndTick != 1 || meta.Structures != 1 {
		t.Fatalf("meta: %+v", meta)
	}

	if gen, _, err := ArchiveResetSnapshot(estateDir, before); err != nil || gen != 2 {
		t.Fatalf("second archive: gen=%d err=%v", gen, err)
	}
}
