package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"estateplanner.dev/internal/persistence/snapshot"
)

type ResetArchiveMeta struct {
	Generation int    `json:"generation"`
	EstateID   string `json:"estate_id"`
	EndTick    uint64 `json:"end_tick"`
	Snapshot   string `json:"snapshot"`
	CreatedAt  string `json:"created_at"`
	Currency   int64  `json:"currency"`
	Dimension  int    `json:"dimension"`
	Structures int    `json:"structures"`
}

// ArchiveResetSnapshot stores the state an estate had right before a RESET
// under `estateDir/archives/reset_<NNN>/`. Generations count up from 1.
func ArchiveResetSnapshot(estateDir string, snap snapshot.SnapshotV1) (generation int, archivedPath string, err error) {
	base := filepath.Join(estateDir, "archives")
	generation = nextGeneration(base)

	archiveDir := filepath.Join(base, fmt.Sprintf("reset_%03d", generation))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, "", err
	}
	dst := filepath.Join(archiveDir, fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(dst, snap); err != nil {
		return 0, "", err
	}

	meta := ResetArchiveMeta{
		Generation: generation,
		EstateID:   snap.Header.EstateID,
		EndTick:    snap.Header.Tick,
		Snapshot:   filepath.Base(dst),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Currency:   snap.Currency,
		Dimension:  snap.Grid.Dimension,
	}
	for _, p := range snap.Grid.Plots {
		meta.Structures += len(p.Structures)
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return generation, dst, nil
}

func nextGeneration(base string) int {
	ents, err := os.ReadDir(base)
	if err != nil {
		return 1
	}
	max := 0
	for _, e := range ents {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "reset_") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "reset_"))
		if err == nil && n > max {
			max = n
		}
	}
	return max + 1
}
