package estate

import (
	"fmt"

	"estateplanner.dev/internal/persistence/snapshot"
)

// Replayer re-applies logged ticks on top of a snapshot and checks each
// ledger digest.
type Replayer struct {
	est  *Estate
	tick uint64
	skip int
}

func NewReplayer(est *Estate, snap snapshot.SnapshotV1) (*Replayer, error) {
	if err := est.ImportSnapshot(snap); err != nil {
		return nil, err
	}
	return &Replayer{est: est, tick: snap.Header.Tick, skip: len(snap.Pending)}, nil
}

func (r *Replayer) CurrentTick() uint64 { return r.tick }

// Apply replays one entry. Entries at or before the snapshot tick are
// skipped and reported with ok=false.
func (r *Replayer) Apply(entry TickLogEntry) (ok bool, err error) {
	if entry.Tick <= r.tick {
		return false, nil
	}
	if entry.Tick != r.tick+1 {
		return false, fmt.Errorf("tick gap: want=%d got=%d", r.tick+1, entry.Tick)
	}
	acts := entry.Actions
	if r.skip > 0 {
		if r.skip > len(acts) {
			return false, fmt.Errorf("tick %d: snapshot has %d pending actions, log has %d", entry.Tick, r.skip, len(acts))
		}
		acts = acts[r.skip:]
		r.skip = 0
	}
	for i, ra := range acts {
		if _, err := r.est.Apply(ra.Act); err != nil {
			return false, fmt.Errorf("tick %d action %d (%s): %w", entry.Tick, i, ra.Act.Type, err)
		}
	}
	res := r.est.Tick()
	r.tick = entry.Tick
	if got := LedgerDigest(res.Ledger, res.Starved); got != entry.Digest {
		return false, fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", entry.Tick, got, entry.Digest)
	}
	return true, nil
}
