package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	persistlog "estateplanner.dev/internal/persistence/log"
	"estateplanner.dev/internal/persistence/snapshot"
	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate"
	"estateplanner.dev/internal/sim/tuning"
)

type options struct {
	snapPath   string
	eventsDir  string
	configDir  string
	tuningPath string
	toTick     uint64
}

func main() {
	var o options
	flag.StringVar(&o.snapPath, "snapshot", "", "path to .snap.zst")
	flag.StringVar(&o.eventsDir, "events", "", "events dir containing events-*.jsonl.zst (default: <estate>/events next to the snapshot)")
	flag.StringVar(&o.configDir, "configs", "./configs", "config directory")
	flag.StringVar(&o.tuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	flag.Uint64Var(&o.toTick, "to_tick", 0, "stop at tick (inclusive, optional)")
	flag.Parse()

	if o.snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}
	if err := run(o, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
}

func run(o options, out io.Writer) error {
	snap, err := snapshot.ReadSnapshot(o.snapPath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	structures := 0
	for _, p := range snap.Grid.Plots {
		structures += len(p.Structures)
	}
	fmt.Fprintf(out, "snapshot v%d estate=%s tick=%d currency=%d dimension=%d structures=%d pending=%d\n",
		snap.Header.Version, snap.Header.EstateID, snap.Header.Tick, snap.Currency,
		snap.Grid.Dimension, structures, len(snap.Pending))

	eventsDir := o.eventsDir
	if eventsDir == "" {
		// <estate>/snapshots/<tick>.snap.zst -> <estate>/events
		eventsDir = filepath.Join(filepath.Dir(filepath.Dir(o.snapPath)), "events")
	}
	files, err := persistlog.ListSegments(eventsDir, "events")
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no events files found in %s", eventsDir)
	}

	cats, err := catalogs.Load(o.configDir)
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}
	tp := o.tuningPath
	if tp == "" {
		tp = filepath.Join(o.configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load tuning: %w", err)
		}
		tune = tuning.Defaults()
	}

	rp, err := estate.NewReplayer(estate.New(estate.ConfigFromTuning(tune), &cats.Structures), snap)
	if err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	var checked uint64
	errStop := errors.New("stop")
	for _, path := range files {
		err := persistlog.ReadSegment(path, func(line []byte) error {
			var entry estate.TickLogEntry
			if err := json.Unmarshal(line, &entry); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if o.toTick != 0 && entry.Tick > o.toTick {
				return errStop
			}
			ok, err := rp.Apply(entry)
			if err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			if ok {
				checked++
			}
			return nil
		})
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "replay ok: checked=%d ticks (from snapshot tick=%d to tick=%d)\n", checked, snap.Header.Tick, rp.CurrentTick())
	return nil
}
