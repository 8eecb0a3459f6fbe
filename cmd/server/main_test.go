package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"estateplanner.dev/internal/persistence/savestore"
	"estateplanner.dev/internal/persistence/snapshot"
	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate"
)

func newRuntime(t *testing.T, admin bool) *estateRuntime {
	t.Helper()
	cats, err := catalogs.Load("../../configs")
	if err != nil {
		t.Fatalf("catalogs.Load: %v", err)
	}
	est := estate.New(estate.DefaultConfig(), &cats.Structures)
	g := estate.NewEngine(estate.EngineConfig{ID: "home", TickRateHz: 1}, est)
	dir := t.TempDir()
	return &estateRuntime{
		estateDir:   dir,
		engine:      g,
		mirror:      &mirrorRuntime{},
		store:       savestore.NewFileStore(dir),
		logger:      log.New(io.Discard, "", 0),
		enableAdmin: admin,
	}
}

func loopback(req *http.Request) *http.Request {
	req.RemoteAddr = "127.0.0.1:40000"
	return req
}

func TestRoutes_HealthMetricsAndAPI(t *testing.T) {
	rt := newRuntime(t, false)
	h := rt.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/plots/4/structures", strings.NewReader(`{"structure_id":"solar"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("build: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `estate_structures{estate="home"} 1`) {
		t.Fatalf("metrics: %d\n%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, loopback(httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("admin should be disabled, got %d", rec.Code)
	}
}

func TestAdmin_LoopbackOnly(t *testing.T) {
	rt := newRuntime(t, true)
	h := rt.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote admin: %d", rec.Code)
	}

	rt.engine.Step()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, loopback(httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("local admin: %d", rec.Code)
	}
	var st adminStateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.EstateID != "home" || st.Tick != 1 || st.Digest == "" {
		t.Fatalf("state: %+v", st)
	}
}

func TestAdmin_SnapshotWritesFile(t *testing.T) {
	rt := newRuntime(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan snapshot.SnapshotV1, 1)
	rt.engine.SetSnapshotSink(ch)
	go rt.runSnapshotWriter(ctx, ch)

	rt.engine.Step()
	rt.engine.Step()
	h := rt.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, loopback(httptest.NewRequest(http.MethodGet, "/admin/v1/snapshot", nil)))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET snapshot: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, loopback(httptest.NewRequest(http.MethodPost, "/admin/v1/snapshot", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST snapshot: %d %s", rec.Code, rec.Body.String())
	}

	want := filepath.Join(rt.estateDir, "snapshots", "2.snap.zst")
	deadline := time.Now().Add(3 * time.Second)
	for latestSnapshot(rt.estateDir) != want {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot %s not written", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, err := snapshot.ReadSnapshot(want)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Header.Tick != 2 || snap.Header.EstateID != "home" {
		t.Fatalf("header: %+v", snap.Header)
	}
}

func TestSaver_PersistsMutationsAndFinalSave(t *testing.T) {
	rt := newRuntime(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan snapshot.SnapshotV1, 4)
	rt.engine.SetSaveSink(ch)
	go rt.runSaver(ctx, ch)

	if err := rt.engine.Rename("test", 4, "Home Base"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap, err := rt.store.Load(context.Background())
		if err == nil && snap.Grid.Plots[4].Name == "Home Base" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("save not observed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	rt.engine.Step()
	rt.finalSave()
	snap, err := rt.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Header.Tick != 1 {
		t.Fatalf("final save tick=%d", snap.Header.Tick)
	}
}

func TestLatestSnapshot(t *testing.T) {
	dir := t.TempDir()
	if got := latestSnapshot(dir); got != "" {
		t.Fatalf("empty dir: %q", got)
	}
	snaps := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snaps, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"9.snap.zst", "120.snap.zst", "30.snap.zst", "junk.snap.zst", "500.txt"} {
		if err := os.WriteFile(filepath.Join(snaps, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := latestSnapshot(dir); got != filepath.Join(snaps, "120.snap.zst") {
		t.Fatalf("latest=%q", got)
	}
}

func TestOpenRuntimeIndex(t *testing.T) {
	dir := t.TempDir()

	idx, err := openRuntimeIndex(dir, true)
	if err != nil || idx != nil {
		t.Fatalf("disabled: idx=%v err=%v", idx, err)
	}

	t.Setenv("EST_INDEX_BACKEND", "none")
	if idx, err := openRuntimeIndex(dir, false); err != nil || idx != nil {
		t.Fatalf("none: idx=%v err=%v", idx, err)
	}

	t.Setenv("EST_INDEX_BACKEND", "sqlite")
	idx, err = openRuntimeIndex(dir, false)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer idx.Close()
	if _, err := os.Stat(filepath.Join(dir, "index", "estate.sqlite")); err != nil {
		t.Fatalf("sqlite file: %v", err)
	}

	t.Setenv("EST_INDEX_BACKEND", "d1")
	if _, err := openRuntimeIndex(dir, false); err == nil {
		t.Fatalf("unknown backend accepted")
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:1234": true,
		"[::1]:80":       true,
		"10.0.0.4:99":    false,
		"192.0.2.1:1234": false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

func TestMirrorRuntimeDisabledByDefault(t *testing.T) {
	t.Setenv("EST_S3_MIRROR", "")
	m, err := buildMirrorRuntime(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if m.enabled {
		t.Fatalf("mirror should be disabled")
	}
	m.Enqueue("/nowhere")
	m.Close()

	t.Setenv("EST_S3_MIRROR", "true")
	t.Setenv("EST_S3_BUCKET", "")
	if _, err := buildMirrorRuntime(context.Background(), t.TempDir(), nil); err == nil {
		t.Fatalf("missing bucket accepted")
	}
}

func TestDefaultEnableAdminHTTP(t *testing.T) {
	t.Setenv("DEPLOY_ENV", "production")
	if defaultEnableAdminHTTP() {
		t.Fatalf("production should disable admin")
	}
	t.Setenv("DEPLOY_ENV", "")
	if !defaultEnableAdminHTTP() {
		t.Fatalf("dev should enable admin")
	}
}

func TestArchiver_StoresPreResetState(t *testing.T) {
	rt := newRuntime(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan snapshot.SnapshotV1, 1)
	rt.engine.SetArchiveSink(ch)
	go rt.runArchiver(ctx, ch)

	h := rt.routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/plots/4/structures", strings.NewReader(`{"structure_id":"solar"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("build: %d %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/reset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", rec.Code, rec.Body.String())
	}

	want := filepath.Join(rt.estateDir, "archives", "reset_001", "0.snap.zst")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(filepath.Dir(want), "meta.json")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archive %s not written", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, err := snapshot.ReadSnapshot(want)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(snap.Grid.Plots[4].Structures) != 1 {
		t.Fatalf("archived plot 4: %+v", snap.Grid.Plots[4])
	}
	if v := rt.engine.View(); v.Metrics.Structures != 0 || v.Currency != 3500000 {
		t.Fatalf("after reset: structures=%d currency=%d", v.Metrics.Structures, v.Currency)
	}
}

func TestRestoreEstate_CorruptLatestSnapshotFallsBackToDefaults(t *testing.T) {
	rt := newRuntime(t, false)
	snaps := filepath.Join(rt.estateDir, "snapshots")
	if err := os.MkdirAll(snaps, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(snaps, "5.snap.zst"), []byte("garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := restoreEstate(context.Background(), rt.engine, rt.store, rt.estateDir, "", true, rt.logger); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if v := rt.engine.View(); rt.engine.CurrentTick() != 0 || v.Currency != 3500000 {
		t.Fatalf("expected defaults, tick=%d currency=%d", rt.engine.CurrentTick(), v.Currency)
	}

	// An explicit snapshot that cannot be read is still an error.
	if err := restoreEstate(context.Background(), rt.engine, rt.store, rt.estateDir, filepath.Join(snaps, "5.snap.zst"), true, rt.logger); err == nil {
		t.Fatalf("corrupt -snapshot accepted")
	}
}

func TestRestoreEstate_Order(t *testing.T) {
	src := newRuntime(t, false)
	src.engine.Step()
	src.engine.Step()
	if err := src.engine.Rename("test", 4, "Periodic"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := src.writeSnapshot(src.engine.ExportSnapshot()); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	// Empty save store: the latest periodic snapshot is used.
	rt := newRuntime(t, false)
	rt.estateDir = src.estateDir
	if err := restoreEstate(context.Background(), rt.engine, rt.store, rt.estateDir, "", true, rt.logger); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if rt.engine.CurrentTick() != 2 || rt.engine.View().Grid.Plots[4].Name != "Periodic" {
		t.Fatalf("periodic restore: tick=%d", rt.engine.CurrentTick())
	}

	// A save store entry wins over periodic snapshots.
	saved := newRuntime(t, false)
	if err := saved.engine.Rename("test", 4, "Saved"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := src.store.Save(context.Background(), saved.engine.ExportSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	rt = newRuntime(t, false)
	if err := restoreEstate(context.Background(), rt.engine, src.store, src.estateDir, "", true, rt.logger); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if rt.engine.View().Grid.Plots[4].Name != "Saved" {
		t.Fatalf("save store not preferred: %q", rt.engine.View().Grid.Plots[4].Name)
	}
}
