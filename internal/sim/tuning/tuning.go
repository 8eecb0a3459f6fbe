package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz         int `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks" json:"snapshot_every_ticks"`

	Estate     Estate     `yaml:"estate" json:"estate"`
	Resources  []Resource `yaml:"resources" json:"resources"`
	Population Population `yaml:"population" json:"population"`
}

type Estate struct {
	PlotCost         int64  `yaml:"plot_cost" json:"plot_cost"`
	MaxFootprint     int    `yaml:"max_footprint" json:"max_footprint"`
	InitialCurrency  int64  `yaml:"initial_currency" json:"initial_currency"`
	InitialDimension int    `yaml:"initial_dimension" json:"initial_dimension"`
	OwnedPlots       []Plot `yaml:"owned_plots" json:"owned_plots"`
	ExpansionTiers   []Tier `yaml:"expansion_tiers" json:"expansion_tiers"`
}

type Plot struct {
	Index int    `yaml:"index" json:"index"`
	Name  string `yaml:"name" json:"name"`
}

type Tier struct {
	Size int    `yaml:"size" json:"size"`
	Cost int64  `yaml:"cost" json:"cost"`
	Desc string `yaml:"desc" json:"desc,omitempty"`
}

type Resource struct {
	Kind         string  `yaml:"kind" json:"kind"`
	Mode         string  `yaml:"mode" json:"mode"` // "flow" or "stock"
	BaseCapacity float64 `yaml:"base_capacity" json:"base_capacity,omitempty"`
	InitialStock float64 `yaml:"initial_stock" json:"initial_stock,omitempty"`
	Ungated      bool    `yaml:"ungated" json:"ungated,omitempty"`
}

type Population struct {
	Initial    int    `yaml:"initial" json:"initial"`
	BedsKind   string `yaml:"beds_kind" json:"beds_kind"`
	PeakTarget int    `yaml:"peak_target" json:"peak_target"`
	Runway     Runway `yaml:"runway" json:"runway"`
}

type Runway struct {
	Kind          string  `yaml:"kind" json:"kind"`
	PerCapitaRate float64 `yaml:"per_capita_rate" json:"per_capita_rate"`
}

// Defaults is the stock estate: a 3x3 grant with the centre plot owned.
func Defaults() Tuning {
	return Tuning{
		TickRateHz:         1,
		SnapshotEveryTicks: 600,
		Estate: Estate{
			PlotCost:         75000,
			MaxFootprint:     21780,
			InitialCurrency:  3500000,
			InitialDimension: 3,
			OwnedPlots:       []Plot{{Index: 4, Name: "Central Hub"}},
			ExpansionTiers: []Tier{
				{Size: 3, Cost: 0, Desc: "Initial Grant"},
				{Size: 4, Cost: 600000, Desc: "Subdivision Acquisition"},
				{Size: 5, Cost: 1200000, Desc: "Regional Land Buyout"},
				{Size: 6, Cost: 2500000, Desc: "Sovereign Territory"},
			},
		},
		Resources: []Resource{
			{Kind: "power", Mode: "flow"},
			{Kind: "water", Mode: "flow"},
			{Kind: "waste", Mode: "flow"},
			{Kind: "labor", Mode: "flow", Ungated: true},
			{Kind: "beds", Mode: "flow"},
			{Kind: "supplies", Mode: "stock", BaseCapacity: 300, InitialStock: 250},
		},
		Population: Population{
			Initial:    5,
			BedsKind:   "beds",
			PeakTarget: 50,
			Runway:     Runway{Kind: "supplies", PerCapitaRate: 0.11},
		},
	}
}

// Load reads a tuning file over Defaults: keys present in the file win.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return errors.New("tick_rate_hz must be > 0")
	}
	if t.SnapshotEveryTicks < 0 {
		return errors.New("snapshot_every_ticks must be >= 0")
	}
	e := t.Estate
	if e.PlotCost < 0 || e.InitialCurrency < 0 {
		return errors.New("estate costs must be >= 0")
	}
	if e.MaxFootprint <= 0 {
		return errors.New("estate.max_footprint must be > 0")
	}
	if e.InitialDimension <= 0 {
		return errors.New("estate.initial_dimension must be > 0")
	}
	n := e.InitialDimension * e.InitialDimension
	for _, p := range e.OwnedPlots {
		if p.Index < 0 || p.Index >= n {
			return fmt.Errorf("estate.owned_plots: index %d out of range [0,%d)", p.Index, n)
		}
	}
	prev := 0
	for _, tr := range e.ExpansionTiers {
		if tr.Size <= prev {
			return fmt.Errorf("estate.expansion_tiers: sizes must be strictly increasing (got %d after %d)", tr.Size, prev)
		}
		if tr.Cost < 0 {
			return fmt.Errorf("estate.expansion_tiers: size %d has negative cost", tr.Size)
		}
		prev = tr.Size
	}
	seen := map[string]bool{}
	for _, r := range t.Resources {
		if r.Kind == "" {
			return errors.New("resources: empty kind")
		}
		if seen[r.Kind] {
			return fmt.Errorf("resources: duplicate kind %q", r.Kind)
		}
		seen[r.Kind] = true
		switch r.Mode {
		case "flow", "stock":
		default:
			return fmt.Errorf("resources: kind %q has unknown mode %q", r.Kind, r.Mode)
		}
		if r.BaseCapacity < 0 || r.InitialStock < 0 {
			return fmt.Errorf("resources: kind %q has negative amounts", r.Kind)
		}
	}
	if t.Population.Initial < 0 {
		return errors.New("population.initial must be >= 0")
	}
	if t.Population.Runway.PerCapitaRate < 0 {
		return errors.New("population.runway.per_capita_rate must be >= 0")
	}
	return nil
}

// Digest is the sha256 of the canonical JSON form.
func (t Tuning) Digest() string {
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
