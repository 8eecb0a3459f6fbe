package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	persistlog "estateplanner.dev/internal/persistence/log"
	"estateplanner.dev/internal/sim/estate"
)

// usageError makes main exit with status 2 instead of 1.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func main() {
	cmd := listCmd
	args := os.Args[1:]
	if len(args) >= 1 {
		switch args[0] {
		case "audit":
			cmd, args = auditCmd, args[1:]
		case "db":
			cmd, args = dbCmd, args[1:]
		case "state":
			cmd, args = stateCmd, args[1:]
		case "snapshot":
			cmd, args = snapshotCmd, args[1:]
		}
	}
	if err := cmd(args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ue usageError
		if errors.As(err, &ue) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func listCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	estateID := fs.String("estate", "", "estate id (optional; lists its directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	base := filepath.Join(*dataDir, "estates")
	if *estateID != "" {
		base = filepath.Join(base, *estateID)
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	for _, e := range entries {
		fmt.Fprintln(out, e.Name())
	}
	return nil
}

type auditFilter struct {
	sinceTick    uint64
	toTick       uint64 // 0 = open ended
	plot         int    // -1 = any
	actor        string
	rejectedOnly bool
}

func (f auditFilter) match(e estate.AuditEntry) bool {
	if e.Tick < f.sinceTick || (f.toTick != 0 && e.Tick > f.toTick) {
		return false
	}
	if f.plot >= 0 && e.Plot != f.plot {
		return false
	}
	if f.actor != "" && e.Actor != f.actor {
		return false
	}
	if f.rejectedOnly && e.Code == "" {
		return false
	}
	return true
}

func auditCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	estateID := fs.String("estate", "", "estate id")
	sinceTick := fs.Uint64("since_tick", 0, "first tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "last tick (inclusive, optional)")
	plot := fs.Int("plot", -1, "plot index filter (optional)")
	actor := fs.String("actor", "", "actor filter (optional)")
	rejected := fs.Bool("rejected", false, "only rejected actions")
	summary := fs.Bool("summary", false, "print counts per action and code instead of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*estateID) == "" {
		return usageError{"missing -estate"}
	}

	f := auditFilter{
		sinceTick:    *sinceTick,
		toTick:       *toTick,
		plot:         *plot,
		actor:        strings.TrimSpace(*actor),
		rejectedOnly: *rejected,
	}
	recs, err := readAudit(filepath.Join(*dataDir, "estates", *estateID), f)
	if err != nil {
		return fmt.Errorf("read audit: %w", err)
	}
	if *summary {
		printAuditSummary(out, recs)
		return nil
	}
	for _, e := range recs {
		printJSON(out, e)
	}
	return nil
}

// readAudit returns matching entries in log order.
func readAudit(estateDir string, f auditFilter) ([]estate.AuditEntry, error) {
	files, err := persistlog.ListSegments(filepath.Join(estateDir, "audit"), "audit")
	if err != nil {
		return nil, err
	}
	var out []estate.AuditEntry
	for _, path := range files {
		err := persistlog.ReadSegment(path, func(line []byte) error {
			var e estate.AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if f.match(e) {
				out = append(out, e)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func printAuditSummary(out io.Writer, recs []estate.AuditEntry) {
	type key struct{ action, code string }
	counts := map[key]int{}
	var order []key
	for _, e := range recs {
		code := e.Code
		if code == "" {
			code = "OK"
		}
		k := key{e.Action, code}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}
	for _, k := range order {
		fmt.Fprintf(out, "%s\t%s\t%d\n", k.action, k.code, counts[k])
	}
	fmt.Fprintf(out, "total\t\t%d\n", len(recs))
}
