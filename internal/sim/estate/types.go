package estate

import "fmt"

// PlotState tags a plot. The zero value is Locked.
type PlotState uint8

const (
	PlotLocked PlotState = iota
	PlotEmpty
	PlotBuilt
)

func (s PlotState) String() string {
	switch s {
	case PlotLocked:
		return "LOCKED"
	case PlotEmpty:
		return "EMPTY"
	case PlotBuilt:
		return "BUILT"
	default:
		return fmt.Sprintf("PlotState(%d)", uint8(s))
	}
}

func ParsePlotState(s string) (PlotState, error) {
	switch s {
	case "LOCKED":
		return PlotLocked, nil
	case "EMPTY":
		return PlotEmpty, nil
	case "BUILT":
		return PlotBuilt, nil
	default:
		return PlotLocked, fmt.Errorf("unknown plot state %q", s)
	}
}

func (s PlotState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PlotState) UnmarshalText(b []byte) error {
	v, err := ParsePlotState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// StructureInstance is a placed copy of a definition. Its fields are frozen
// at build time; later catalog edits do not reach it.
type StructureInstance struct {
	RuntimeID    string             `json:"runtime_id"`
	DefinitionID string             `json:"definition_id"`
	PlotIndex    int                `json:"plot_index"`
	Name         string             `json:"name"`
	Category     string             `json:"category"`
	Footprint    int                `json:"footprint"`
	Cost         int64              `json:"cost"`
	Production   map[string]float64 `json:"production,omitempty"`
	Consumption  map[string]float64 `json:"consumption,omitempty"`
	Storage      map[string]float64 `json:"storage,omitempty"`
}

type Plot struct {
	State         PlotState           `json:"state"`
	Name          string              `json:"name,omitempty"`
	FootprintUsed int                 `json:"footprint_used"`
	Structures    []StructureInstance `json:"structures,omitempty"`
}

type Grid struct {
	Dimension     int    `json:"dimension"`
	ExpansionTier int    `json:"expansion_tier"`
	Plots         []Plot `json:"plots"`
}

type Tier struct {
	Size int    `json:"size"`
	Cost int64  `json:"cost"`
	Desc string `json:"desc,omitempty"`
}

func NewGrid(dim int) Grid {
	return Grid{Dimension: dim, Plots: make([]Plot, dim*dim)}
}

func (g *Grid) inRange(i int) bool { return i >= 0 && i < len(g.Plots) }

// Clone returns a deep copy; instance resource maps are shared since they
// are never mutated after build.
func (g Grid) Clone() Grid {
	out := Grid{Dimension: g.Dimension, ExpansionTier: g.ExpansionTier, Plots: make([]Plot, len(g.Plots))}
	for i, p := range g.Plots {
		out.Plots[i] = p
		if p.Structures != nil {
			out.Plots[i].Structures = append([]StructureInstance(nil), p.Structures...)
		}
	}
	return out
}

func copyRates(m map[string]float64) map[string]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
