package wire

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"estateplanner.dev/internal/protocol"
	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate"
)

func newEngine(t *testing.T) *estate.Engine {
	t.Helper()
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("catalogs.Load: %v", err)
	}
	est := estate.New(estate.DefaultConfig(), &cats.Structures)
	return estate.NewEngine(estate.EngineConfig{ID: "home", TickRateHz: 2}, est)
}

func TestCode_MapsEstateRejections(t *testing.T) {
	g := newEngine(t)
	cases := []struct {
		act  estate.Action
		code string
	}{
		{estate.Action{Type: estate.ActBuild, Plot: 0, StructureID: "solar"}, protocol.ErrPlotLocked},
		{estate.Action{Type: estate.ActBuild, Plot: 4, StructureID: "nope"}, protocol.ErrUnknownStructure},
		{estate.Action{Type: estate.ActBuild, Plot: 99, StructureID: "solar"}, protocol.ErrOutOfRange},
		{estate.Action{Type: estate.ActDemolish, Plot: 4, RuntimeID: "S999999"}, protocol.ErrNotFound},
		{estate.Action{Type: estate.ActPurchasePlot, Plot: 4}, protocol.ErrPlotOwned},
	}
	for _, tc := range cases {
		_, err := g.Do("test", tc.act)
		if err == nil {
			t.Fatalf("%s plot %d: expected rejection", tc.act.Type, tc.act.Plot)
		}
		if got := Code(err); got != tc.code {
			t.Fatalf("%s plot %d: code=%s want %s (%v)", tc.act.Type, tc.act.Plot, got, tc.code, err)
		}
	}

	if Code(nil) != "" {
		t.Fatalf("nil error should have no code")
	}
	if Code(errors.New("disk full")) != protocol.ErrInternal {
		t.Fatalf("uncoded error should be internal")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]int{
		"":                           http.StatusOK,
		protocol.ErrPlotLocked:       http.StatusConflict,
		protocol.ErrNoFunds:          http.StatusPaymentRequired,
		protocol.ErrFootprint:        http.StatusUnprocessableEntity,
		protocol.ErrUnknownStructure: http.StatusNotFound,
		protocol.ErrOutOfRange:       http.StatusBadRequest,
		protocol.ErrInternal:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("%q: status=%d want %d", code, got, want)
		}
	}
}

func TestResult_AcceptedBuildAndRejection(t *testing.T) {
	g := newEngine(t)
	a := Action(protocol.ActionBody{Kind: "BUILD", Plot: 4, StructureID: "solar"})
	res, err := g.Do("test", a)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	msg := Result("r1", g.CurrentTick(), res, err)
	if !msg.Accepted || msg.Code != "" || msg.RuntimeID == "" || msg.ReqID != "r1" {
		t.Fatalf("unexpected accepted result: %+v", msg)
	}
	if msg.Currency != 3_500_000-110_000 {
		t.Fatalf("currency=%d", msg.Currency)
	}

	res, err = g.Do("test", Action(protocol.ActionBody{Kind: "DEMOLISH", Plot: 4, RuntimeID: msg.RuntimeID}))
	if err != nil {
		t.Fatalf("demolish: %v", err)
	}
	if got := Result("r2", 0, res, nil); got.Refund != 55_000 {
		t.Fatalf("refund=%d", got.Refund)
	}

	res, err = g.Do("test", Action(protocol.ActionBody{Kind: "BUILD", Plot: 0, StructureID: "solar"}))
	rej := Result("r3", 0, res, err)
	if rej.Accepted || rej.Code != protocol.ErrPlotLocked || rej.Message == "" {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
}

func TestLedger_FlagsStarvedStructuresAndRunway(t *testing.T) {
	g := newEngine(t)
	// A cabin with no power, water or labor supply starves on the first tick.
	inst, err := g.Build("test", 4, "cabin")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	g.Step()
	msg := Ledger(g.View())

	if msg.Type != protocol.TypeLedger || msg.EstateID != "home" || msg.Tick != 1 {
		t.Fatalf("header: %+v", msg)
	}
	if len(msg.Grid.Plots) != 9 || msg.Grid.Plots[4].State != "BUILT" {
		t.Fatalf("grid: %+v", msg.Grid)
	}
	var found bool
	for _, s := range msg.Grid.Plots[4].Structures {
		if s.RuntimeID == inst.RuntimeID {
			found = true
			if !s.Starved {
				t.Fatalf("cabin should be flagged starved")
			}
		}
	}
	if !found {
		t.Fatalf("cabin missing from plot 4")
	}
	if len(msg.Starved) != 1 || msg.Starved[0] != inst.RuntimeID {
		t.Fatalf("starved=%v", msg.Starved)
	}
	if _, ok := msg.Ledger["power"]; !ok {
		t.Fatalf("ledger missing power line: %v", msg.Ledger)
	}
	v := g.View()
	if v.Metrics.RunwayBounded != (msg.Metrics.RunwayDays != nil) {
		t.Fatalf("runway bounded=%v but runway_days=%v", v.Metrics.RunwayBounded, msg.Metrics.RunwayDays)
	}

	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := back["metrics"].(map[string]any)["runway_days"]; !ok {
		t.Fatalf("runway_days must always be present")
	}
}

func TestWelcomeAndCatalog(t *testing.T) {
	g := newEngine(t)
	w := Welcome("C7", g)
	if w.SessionID != "C7" || w.EstateID != "home" || w.Params.TickRateHz != 2 {
		t.Fatalf("welcome: %+v", w)
	}
	if w.Params.PlotCost != 75_000 || w.Params.Dimension != 3 || len(w.Params.Tiers) == 0 {
		t.Fatalf("params: %+v", w.Params)
	}
	if w.Catalogs.Structures.Digest == "" || w.Catalogs.Structures.Count != len(g.Catalog().Order) {
		t.Fatalf("catalog digest: %+v", w.Catalogs)
	}

	c, err := Catalog(g)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if c.Digest != w.Catalogs.Structures.Digest {
		t.Fatalf("digest mismatch")
	}
	var defs []catalogs.StructureDef
	if err := json.Unmarshal(c.Data, &defs); err != nil {
		t.Fatalf("decode defs: %v", err)
	}
	if len(defs) != w.Catalogs.Structures.Count {
		t.Fatalf("defs=%d want %d", len(defs), w.Catalogs.Structures.Count)
	}
}
