package main

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate"
	"estateplanner.dev/internal/transport/ws"
)

func TestParsePlan(t *testing.T) {
	steps, err := parsePlan("build:4:solar, PURCHASE_PLOT:0,RENAME:4:Home Base,EXPAND:0:4,SET_POPULATION:0:12,DEMOLISH:4:S1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 6 {
		t.Fatalf("steps=%d", len(steps))
	}
	if steps[0].Kind != "BUILD" || steps[0].Plot != 4 || steps[0].StructureID != "solar" {
		t.Fatalf("build step: %+v", steps[0])
	}
	if steps[2].Name != "Home Base" || steps[3].Size != 4 || steps[4].Population != 12 || steps[5].RuntimeID != "S1" {
		t.Fatalf("args: %+v", steps)
	}

	for _, bad := range []string{"BUILD", "BUILD:x:solar", "PAINT:1", "EXPAND:0:big"} {
		if _, err := parsePlan(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestBot_RunsPlanAndFollowsLedger(t *testing.T) {
	cats, err := catalogs.Load("../../configs")
	if err != nil {
		t.Fatalf("catalogs.Load: %v", err)
	}
	g := estate.NewEngine(estate.EngineConfig{ID: "home", TickRateHz: 1}, estate.New(estate.DefaultConfig(), &cats.Structures))
	srv := httptest.NewServer(ws.NewServer(g, nil).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		tk := time.NewTicker(20 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				g.Step()
			}
		}
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	steps, err := parsePlan("BUILD:4:solar,BUILD:0:well,PURCHASE_PLOT:0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b := &bot{conn: conn, log: log.New(io.Discard, "", 0), name: "t"}
	if err := b.run(ctx, steps, 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	if b.session == "" || len(b.results) != 3 {
		t.Fatalf("session=%q results=%d", b.session, len(b.results))
	}
	if r := b.results[0]; !r.Accepted || r.ReqID != "t-1" || r.Currency != 3390000 || r.RuntimeID == "" {
		t.Fatalf("build: %+v", r)
	}
	if r := b.results[1]; r.Accepted || r.Code == "" {
		t.Fatalf("locked build: %+v", r)
	}
	if r := b.results[2]; !r.Accepted || r.Currency != 3315000 {
		t.Fatalf("purchase: %+v", r)
	}
	if got := g.View().Metrics.Structures; got != 1 {
		t.Fatalf("structures=%d", got)
	}
}
