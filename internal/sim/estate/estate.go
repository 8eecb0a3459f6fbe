package estate

import (
	"encoding/json"
	"fmt"
	"strings"

	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate/logic/flow"
	"estateplanner.dev/internal/sim/estate/logic/ids"
	"estateplanner.dev/internal/sim/tuning"
)

type OwnedPlot struct {
	Index int
	Name  string
}

type Config struct {
	PlotCost     int64
	MaxFootprint int
	Tiers        []Tier
	Resources    []flow.Resource
	InitialStock map[string]float64

	InitialCurrency  int64
	InitialDimension int
	OwnedPlots       []OwnedPlot

	InitialPopulation int
	BedsKind          string
	PeakTarget        int
	RunwayKind        string
	RunwayPerCapita   float64
}

func ConfigFromTuning(t tuning.Tuning) Config {
	cfg := Config{
		PlotCost:          t.Estate.PlotCost,
		MaxFootprint:      t.Estate.MaxFootprint,
		InitialCurrency:   t.Estate.InitialCurrency,
		InitialDimension:  t.Estate.InitialDimension,
		InitialStock:      map[string]float64{},
		InitialPopulation: t.Population.Initial,
		BedsKind:          t.Population.BedsKind,
		PeakTarget:        t.Population.PeakTarget,
		RunwayKind:        t.Population.Runway.Kind,
		RunwayPerCapita:   t.Population.Runway.PerCapitaRate,
	}
	for _, p := range t.Estate.OwnedPlots {
		cfg.OwnedPlots = append(cfg.OwnedPlots, OwnedPlot{Index: p.Index, Name: p.Name})
	}
	for _, tr := range t.Estate.ExpansionTiers {
		cfg.Tiers = append(cfg.Tiers, Tier{Size: tr.Size, Cost: tr.Cost, Desc: tr.Desc})
	}
	for _, r := range t.Resources {
		cfg.Resources = append(cfg.Resources, flow.Resource{
			Kind:         r.Kind,
			Mode:         flow.Mode(r.Mode),
			BaseCapacity: r.BaseCapacity,
			Ungated:      r.Ungated,
		})
		if r.Mode == string(flow.ModeStock) {
			cfg.InitialStock[r.Kind] = r.InitialStock
		}
	}
	return cfg
}

func DefaultConfig() Config { return ConfigFromTuning(tuning.Defaults()) }

// Estate is the unsynchronized simulation state. Engine wraps it for
// concurrent use; tests and replay drive it directly.
type Estate struct {
	cfg Config

	base      *catalogs.StructureCatalog
	catalog   *catalogs.StructureCatalog
	overrides []override

	grid       Grid
	currency   int64
	population int
	stock      map[string]float64

	nextRuntime uint64
}

type override struct {
	id  string
	raw json.RawMessage
}

// New returns the default estate for cfg.
func New(cfg Config, base *catalogs.StructureCatalog) *Estate {
	if base == nil {
		base = &catalogs.StructureCatalog{ByID: map[string]catalogs.StructureDef{}}
	}
	e := &Estate{cfg: cfg, base: base, catalog: base}
	e.resetState()
	return e
}

func (e *Estate) resetState() {
	dim := e.cfg.InitialDimension
	if dim <= 0 {
		dim = 1
	}
	e.grid = NewGrid(dim)
	for i, t := range e.cfg.Tiers {
		if t.Size == dim {
			e.grid.ExpansionTier = i
		}
	}
	for _, p := range e.cfg.OwnedPlots {
		if !e.grid.inRange(p.Index) {
			continue
		}
		name := p.Name
		if name == "" {
			name = defaultPlotName(p.Index)
		}
		e.grid.Plots[p.Index] = Plot{State: PlotEmpty, Name: name}
	}
	e.currency = e.cfg.InitialCurrency
	e.population = e.cfg.InitialPopulation
	e.stock = map[string]float64{}
	for k, v := range e.cfg.InitialStock {
		e.stock[k] = v
	}
	e.nextRuntime = 0
}

// Reset restores the default grid, currency, population and stock. Catalog
// overrides are developer data and survive.
func (e *Estate) Reset() { e.resetState() }

func (e *Estate) Config() Config                     { return e.cfg }
func (e *Estate) Grid() Grid                         { return e.grid.Clone() }
func (e *Estate) Currency() int64                    { return e.currency }
func (e *Estate) Population() int                    { return e.population }
func (e *Estate) Catalog() *catalogs.StructureCatalog { return e.catalog }

func (e *Estate) Stock() map[string]float64 {
	out := make(map[string]float64, len(e.stock))
	for k, v := range e.stock {
		out[k] = v
	}
	return out
}

func (e *Estate) Plot(i int) (Plot, bool) {
	if !e.grid.inRange(i) {
		return Plot{}, false
	}
	p := e.grid.Plots[i]
	p.Structures = append([]StructureInstance(nil), p.Structures...)
	return p, true
}

// Instances lists placed structures in evaluation order: ascending plot
// index, then insertion order.
func (e *Estate) Instances() []StructureInstance {
	var out []StructureInstance
	for _, p := range e.grid.Plots {
		out = append(out, p.Structures...)
	}
	return out
}

// SetCurrency is for tests and admin tooling.
func (e *Estate) SetCurrency(v int64) { e.currency = v }

func (e *Estate) SetPopulation(n int) error {
	if n < 0 {
		return &ArgumentError{Field: "population", Reason: "must be >= 0"}
	}
	e.population = n
	return nil
}

func (e *Estate) newRuntimeID() string {
	e.nextRuntime++
	return ids.FormatRuntimeID(e.nextRuntime)
}

// CatalogOverrides returns the raw override documents in the order they
// were first added.
func (e *Estate) CatalogOverrides() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(e.overrides))
	for _, o := range e.overrides {
		out = append(out, append(json.RawMessage(nil), o.raw...))
	}
	return out
}

// UpsertCatalogOverride validates raw as a structure definition and merges
// it over the base catalog. Placed instances are unaffected.
func (e *Estate) UpsertCatalogOverride(raw json.RawMessage) (catalogs.StructureDef, error) {
	def, err := catalogs.ParseDefinition(raw)
	if err != nil {
		return def, &CatalogError{Code: CodeInvalidDefinition, Err: err}
	}
	next := make([]override, 0, len(e.overrides)+1)
	replaced := false
	for _, o := range e.overrides {
		if o.id == def.ID {
			next = append(next, override{id: def.ID, raw: append(json.RawMessage(nil), raw...)})
			replaced = true
			continue
		}
		next = append(next, o)
	}
	if !replaced {
		next = append(next, override{id: def.ID, raw: append(json.RawMessage(nil), raw...)})
	}
	if err := e.applyOverrides(next); err != nil {
		return def, err
	}
	return def, nil
}

func (e *Estate) RemoveCatalogOverride(id string) error {
	id = strings.TrimSpace(id)
	next := make([]override, 0, len(e.overrides))
	found := false
	for _, o := range e.overrides {
		if o.id == id {
			found = true
			continue
		}
		next = append(next, o)
	}
	if !found {
		if _, ok := e.base.Lookup(id); ok {
			return &CatalogError{Code: CodeCatalogBaseProtect, StructureID: id}
		}
		return &CatalogError{Code: CodeUnknownStructure, StructureID: id}
	}
	return e.applyOverrides(next)
}

func (e *Estate) applyOverrides(next []override) error {
	raws := make([]json.RawMessage, 0, len(next))
	for _, o := range next {
		raws = append(raws, o.raw)
	}
	merged, err := e.base.WithOverrides(raws)
	if err != nil {
		return &CatalogError{Code: CodeInvalidDefinition, Err: err}
	}
	e.catalog = merged
	e.overrides = next
	return nil
}

func defaultPlotName(i int) string { return fmt.Sprintf("Lot %d", i+1) }
