package protocol

import "encoding/json"

// LEDGER (server -> client): one published tick.
type LedgerMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EstateID        string `json:"estate_id"`
	Tick            uint64 `json:"tick"`
	Currency        int64  `json:"currency"`
	Digest          string `json:"digest"`

	Grid    GridObs            `json:"grid"`
	Ledger  map[string]LineObs `json:"ledger"`
	Starved []string           `json:"starved"`
	Metrics MetricsObs         `json:"metrics"`
}

type GridObs struct {
	Dimension     int       `json:"dimension"`
	ExpansionTier int       `json:"expansion_tier"`
	Plots         []PlotObs `json:"plots"`
}

type PlotObs struct {
	Index         int            `json:"index"`
	State         string         `json:"state"` // "LOCKED","EMPTY","BUILT"
	Name          string         `json:"name,omitempty"`
	FootprintUsed int            `json:"footprint_used"`
	Structures    []StructureObs `json:"structures,omitempty"`
}

type StructureObs struct {
	RuntimeID    string `json:"runtime_id"`
	DefinitionID string `json:"definition_id"`
	Name         string `json:"name"`
	Category     string `json:"category,omitempty"`
	Footprint    int    `json:"footprint"`
	Starved      bool   `json:"starved,omitempty"`
}

type LineObs struct {
	Capacity  float64 `json:"capacity"`
	Used      float64 `json:"used"`
	Produced  float64 `json:"produced"`
	Stock     float64 `json:"stock,omitempty"`
	LoadRatio float64 `json:"load_ratio"`
}

type MetricsObs struct {
	Population     int     `json:"population"`
	PeakTarget     int     `json:"peak_target"`
	Beds           float64 `json:"beds"`
	Occupancy      float64 `json:"occupancy"`
	RunwayDays     *int64  `json:"runway_days"` // null when unbounded
	Structures     int     `json:"structures"`
	OwnedPlots     int     `json:"owned_plots"`
	FootprintUsed  int     `json:"footprint_used"`
	FootprintLimit int     `json:"footprint_limit"`
}

// ACT (client -> server): one estate mutation.
type ActMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ReqID           string     `json:"req_id,omitempty"`
	Action          ActionBody `json:"action"`
}

// ActionBody mirrors the estate action vocabulary: BUILD, DEMOLISH, RENAME,
// PURCHASE_PLOT, EXPAND, SET_POPULATION, UPSERT_DEFINITION,
// REMOVE_DEFINITION and RESET.
type ActionBody struct {
	Kind        string          `json:"kind"`
	Plot        int             `json:"plot"`
	StructureID string          `json:"structure_id,omitempty"`
	RuntimeID   string          `json:"runtime_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Size        int             `json:"size,omitempty"`
	Population  int             `json:"population,omitempty"`
	Definition  json.RawMessage `json:"definition,omitempty"`
}
