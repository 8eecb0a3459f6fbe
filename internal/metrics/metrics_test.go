package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"estateplanner.dev/internal/persistence/indexdb"
	"estateplanner.dev/internal/persistence/s3mirror"
	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate"
)

func newEngine(t *testing.T) *estate.Engine {
	t.Helper()
	cats, err := catalogs.Load("../../configs")
	if err != nil {
		t.Fatalf("catalogs.Load: %v", err)
	}
	est := estate.New(estate.DefaultConfig(), &cats.Structures)
	return estate.NewEngine(estate.EngineConfig{ID: "home", TickRateHz: 1}, est)
}

func TestHandler_ExposesEstateAndBackendMetrics(t *testing.T) {
	g := newEngine(t)
	if _, err := g.Build("web", 4, "solar"); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := g.Build("web", 0, "solar"); err == nil {
		t.Fatalf("locked plot accepted")
	}
	g.Step()
	g.Step()

	reg := NewRegistry(g, Options{
		IndexStats:  func() indexdb.Stats { return indexdb.Stats{DropAuditTotal: 3, QueueCapacity: 8} },
		MirrorStats: func() s3mirror.Stats { return s3mirror.Stats{UploadSuccessTotal: 5} },
	})
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)

	for _, want := range []string{
		`estate_tick{estate="home"} 2`,
		`estate_actions_total{estate="home"} 1`,
		`estate_rejected_total{estate="home"} 1`,
		`estate_structures{estate="home"} 1`,
		`estate_owned_plots{estate="home"} 1`,
		`estate_resource_capacity{estate="home",kind="power"}`,
		`estate_resource_stock{estate="home",kind="supplies"}`,
		`estate_index_dropped_total{estate="home",kind="audit"} 3`,
		`estate_index_queue{estate="home",field="capacity"} 8`,
		`estate_mirror_events_total{estate="home",event="upload_success"} 5`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestCollector_OmitsUnconfiguredBackends(t *testing.T) {
	g := newEngine(t)
	srv := httptest.NewServer(Handler(NewRegistry(g, Options{})))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(b), "estate_index_") || strings.Contains(string(b), "estate_mirror_") {
		t.Fatalf("backend metrics without backends:\n%s", b)
	}
	if !strings.Contains(string(b), `estate_runway_days{estate="home"}`) {
		t.Fatalf("runway gauge missing")
	}
}
