package estate

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"estateplanner.dev/internal/sim/estate/logic/flow"
)

// ComputeTick evaluates a grid against the previous stock. It does not
// modify its inputs.
func ComputeTick(g Grid, prevStock map[string]float64, resources []flow.Resource) (flow.Ledger, flow.StarvationSet) {
	return flow.Compute(unitsOf(g), prevStock, resources)
}

// unitsOf flattens the grid in evaluation order.
func unitsOf(g Grid) []flow.Unit {
	var units []flow.Unit
	for _, p := range g.Plots {
		for _, s := range p.Structures {
			units = append(units, flow.Unit{
				ID:          s.RuntimeID,
				Production:  s.Production,
				Consumption: s.Consumption,
				Storage:     s.Storage,
			})
		}
	}
	return units
}

type Metrics struct {
	Population     int                `json:"population"`
	PeakTarget     int                `json:"peak_target"`
	Beds           float64            `json:"beds"`
	Occupancy      float64            `json:"occupancy"`
	RunwayDays     int64              `json:"runway_days"`
	RunwayBounded  bool               `json:"runway_bounded"`
	LoadRatio      map[string]float64 `json:"load_ratio"`
	Starved        int                `json:"starved"`
	Structures     int                `json:"structures"`
	OwnedPlots     int                `json:"owned_plots"`
	FootprintUsed  int                `json:"footprint_used"`
	FootprintLimit int                `json:"footprint_limit"`
}

// TickResult is the outcome of one tick.
type TickResult struct {
	Ledger  flow.Ledger
	Starved flow.StarvationSet
	Metrics Metrics
}

// Tick computes the ledger for the current grid and carries stock forward.
func (e *Estate) Tick() TickResult {
	ledger, starved := ComputeTick(e.grid, e.stock, e.cfg.Resources)
	e.stock = ledger.Stock(e.cfg.Resources)
	return TickResult{Ledger: ledger, Starved: starved, Metrics: e.metrics(ledger, starved)}
}

// Preview computes what the next tick would report without carrying stock.
func (e *Estate) Preview() TickResult {
	ledger, starved := ComputeTick(e.grid, e.stock, e.cfg.Resources)
	return TickResult{Ledger: ledger, Starved: starved, Metrics: e.metrics(ledger, starved)}
}

func (e *Estate) metrics(l flow.Ledger, starved flow.StarvationSet) Metrics {
	m := Metrics{
		Population: e.population,
		PeakTarget: e.cfg.PeakTarget,
		LoadRatio:  map[string]float64{},
		Starved:    len(starved),
	}
	for _, k := range l.Kinds() {
		m.LoadRatio[k] = flow.LoadRatio(l[k])
	}
	if e.cfg.BedsKind != "" {
		m.Beds = l[e.cfg.BedsKind].Capacity
		if m.Beds > 0 {
			m.Occupancy = float64(e.population) / m.Beds
		}
	}
	if e.cfg.RunwayKind != "" {
		line := l[e.cfg.RunwayKind]
		v := line.Stock
		if !isStock(e.cfg.Resources, e.cfg.RunwayKind) {
			v = line.Capacity
		}
		m.RunwayDays, m.RunwayBounded = flow.Runway(v, e.population, e.cfg.RunwayPerCapita)
	}
	for _, p := range e.grid.Plots {
		if p.State != PlotLocked {
			m.OwnedPlots++
			m.FootprintLimit += e.cfg.MaxFootprint
		}
		m.Structures += len(p.Structures)
		m.FootprintUsed += p.FootprintUsed
	}
	return m
}

func isStock(resources []flow.Resource, kind string) bool {
	for _, r := range resources {
		if r.Kind == kind {
			return r.Mode == flow.ModeStock
		}
	}
	return false
}

// LedgerDigest hashes a ledger and starvation set in a stable order. Replay
// compares these against the tick log.
func LedgerDigest(l flow.Ledger, starved flow.StarvationSet) string {
	h := sha256.New()
	var buf [8]byte
	f := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	for _, k := range l.Kinds() {
		line := l[k]
		h.Write([]byte(k))
		h.Write([]byte{0})
		f(line.Capacity)
		f(line.Used)
		f(line.Produced)
		f(line.Limit)
		f(line.Stock)
	}
	h.Write([]byte{0xff})
	for _, id := range starved.Sorted() {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
