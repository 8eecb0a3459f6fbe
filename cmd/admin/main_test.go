package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"estateplanner.dev/internal/persistence/indexdb"
	persistlog "estateplanner.dev/internal/persistence/log"
	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate"
)

// seed records a short session for estate "home" under dataDir: an accepted
// build and a locked rejection at tick 0, then a plot purchase at tick 1.
func seed(t *testing.T, dataDir string) {
	t.Helper()
	cats, err := catalogs.Load("../../configs")
	if err != nil {
		t.Fatalf("catalogs.Load: %v", err)
	}
	estateDir := filepath.Join(dataDir, "estates", "home")
	idx, err := indexdb.OpenSQLite(filepath.Join(estateDir, "index", "estate.sqlite"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	auditLog := persistlog.NewAuditLogger(estateDir)
	tickLog := persistlog.NewTickLogger(estateDir)
	fan := persistlog.Fanout{
		Ticks:  []estate.TickLogger{tickLog, idx},
		Audits: []estate.AuditLogger{auditLog, idx},
	}

	g := estate.NewEngine(estate.EngineConfig{ID: "home", TickRateHz: 1}, estate.New(estate.DefaultConfig(), &cats.Structures))
	g.SetTickLogger(fan)
	g.SetAuditLogger(fan)

	if _, err := g.Build("alice", 4, "solar"); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := g.Build("bob", 0, "solar"); err == nil {
		t.Fatalf("build on locked plot accepted")
	}
	g.Step()
	if err := g.PurchasePlot("alice", 0); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	g.Step()
	idx.RecordSnapshot(filepath.Join(estateDir, "snapshots", "2.snap.zst"), g.ExportSnapshot())

	for _, c := range []interface{ Close() error }{tickLog, auditLog, idx} {
		if err := c.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func decodeLines(t *testing.T, s string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestListCmd(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"home", "lake"} {
		if err := os.MkdirAll(filepath.Join(dir, "estates", id), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	var out bytes.Buffer
	if err := listCmd([]string{"-data", dir}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if out.String() != "home\nlake\n" {
		t.Fatalf("list output %q", out.String())
	}
	if err := listCmd([]string{"-data", filepath.Join(dir, "missing")}, &bytes.Buffer{}); err == nil {
		t.Fatalf("missing data dir accepted")
	}
}

func TestAuditCmd_Filters(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	var out bytes.Buffer
	if err := auditCmd([]string{"-data", dir, "-estate", "home"}, &out); err != nil {
		t.Fatalf("audit: %v", err)
	}
	recs := decodeLines(t, out.String())
	if len(recs) != 3 {
		t.Fatalf("entries=%d\n%s", len(recs), out.String())
	}
	if recs[0]["action"] != estate.ActBuild || recs[2]["action"] != estate.ActPurchasePlot {
		t.Fatalf("order: %v", recs)
	}

	out.Reset()
	if err := auditCmd([]string{"-data", dir, "-estate", "home", "-rejected"}, &out); err != nil {
		t.Fatalf("audit rejected: %v", err)
	}
	recs = decodeLines(t, out.String())
	if len(recs) != 1 || recs[0]["code"] != "PLOT_LOCKED" || recs[0]["actor"] != "bob" {
		t.Fatalf("rejected: %v", recs)
	}

	out.Reset()
	if err := auditCmd([]string{"-data", dir, "-estate", "home", "-since_tick", "1", "-plot", "0"}, &out); err != nil {
		t.Fatalf("audit since: %v", err)
	}
	recs = decodeLines(t, out.String())
	if len(recs) != 1 || recs[0]["action"] != estate.ActPurchasePlot {
		t.Fatalf("since/plot: %v", recs)
	}

	out.Reset()
	if err := auditCmd([]string{"-data", dir, "-estate", "home", "-summary"}, &out); err != nil {
		t.Fatalf("audit summary: %v", err)
	}
	for _, want := range []string{"BUILD\tOK\t1", "BUILD\tPLOT_LOCKED\t1", "PURCHASE_PLOT\tOK\t1", "total\t\t3"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("summary missing %q:\n%s", want, out.String())
		}
	}
}

func TestAuditCmd_MissingEstate(t *testing.T) {
	err := auditCmd(nil, &bytes.Buffer{})
	var ue usageError
	if !errors.As(err, &ue) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestDBCmd_Queries(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)
	base := []string{"-data", dir, "-estate", "home"}

	run := func(args ...string) []map[string]any {
		t.Helper()
		var out bytes.Buffer
		if err := dbCmd(append(append([]string(nil), base...), args...), &out); err != nil {
			t.Fatalf("db %v: %v", args, err)
		}
		return decodeLines(t, out.String())
	}

	snaps := run()
	if len(snaps) != 1 {
		t.Fatalf("snapshots: %v", snaps)
	}
	if snaps[0]["tick"] != float64(2) || snaps[0]["owned_plots"] != float64(2) || snaps[0]["structures"] != float64(1) {
		t.Fatalf("snapshot row: %v", snaps[0])
	}
	// 3,500,000 - 110,000 (solar) - 75,000 (plot)
	if snaps[0]["currency"] != float64(3315000) {
		t.Fatalf("snapshot currency: %v", snaps[0]["currency"])
	}

	ticks := run("ticks")
	if len(ticks) != 2 || ticks[0]["tick"] != float64(2) || ticks[0]["actions"] != float64(1) {
		t.Fatalf("ticks: %v", ticks)
	}

	actions := run("-actor", "alice", "actions")
	if len(actions) != 2 || actions[0]["type"] != estate.ActPurchasePlot || actions[1]["type"] != estate.ActBuild {
		t.Fatalf("actions: %v", actions)
	}

	audits := run("-rejected", "audits")
	if len(audits) != 1 || audits[0]["code"] != "PLOT_LOCKED" || audits[0]["plot"] != float64(0) {
		t.Fatalf("audits: %v", audits)
	}
	if got := run("-plot", "4", "audits"); len(got) != 1 || got[0]["action"] != estate.ActBuild {
		t.Fatalf("audits by plot: %v", got)
	}

	var out bytes.Buffer
	err := dbCmd(append(append([]string(nil), base...), "boards"), &out)
	var ue usageError
	if !errors.As(err, &ue) {
		t.Fatalf("unknown query: %v", err)
	}
	if err := dbCmd([]string{"-data", dir, "-estate", "lake"}, &out); err == nil {
		t.Fatalf("missing index accepted")
	}
}

func TestHTTPCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/admin/v1/state" && r.Method == http.MethodGet:
			_, _ = rw.Write([]byte(`{"estate_id":"home","tick":7}`))
		case r.URL.Path == "/admin/v1/snapshot" && r.Method == http.MethodPost:
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = rw.Write([]byte(`{"ok":false}`))
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := stateCmd([]string{"-url", srv.URL + "/"}, &out); err != nil {
		t.Fatalf("state: %v", err)
	}
	if strings.TrimSpace(out.String()) != `{"estate_id":"home","tick":7}` {
		t.Fatalf("state output %q", out.String())
	}

	out.Reset()
	if err := snapshotCmd([]string{"-url", srv.URL}, &out); err == nil {
		t.Fatalf("expected error on 503")
	}
	if !strings.Contains(out.String(), `"ok":false`) {
		t.Fatalf("snapshot output %q", out.String())
	}
}
