package estate

import (
	"strings"
	"unicode/utf8"
)

const MaxPlotNameLen = 64

// Build places a copy of the catalog definition on plot i. Nothing changes
// unless every check passes.
func (e *Estate) Build(i int, structureID string) (StructureInstance, error) {
	if !e.grid.inRange(i) {
		return StructureInstance{}, &PlacementError{Code: CodePlotOutOfRange, PlotIndex: i, StructureID: structureID}
	}
	plot := &e.grid.Plots[i]
	if plot.State == PlotLocked {
		return StructureInstance{}, &PlacementError{Code: CodePlotLocked, PlotIndex: i, StructureID: structureID}
	}
	def, ok := e.catalog.Lookup(structureID)
	if !ok {
		return StructureInstance{}, &PlacementError{Code: CodeUnknownStructure, PlotIndex: i, StructureID: structureID}
	}
	if e.currency < def.Cost {
		return StructureInstance{}, &PlacementError{Code: CodeInsufficientFunds, PlotIndex: i, StructureID: structureID, Need: def.Cost, Have: e.currency}
	}
	if free := e.cfg.MaxFootprint - plot.FootprintUsed; def.Footprint > free {
		return StructureInstance{}, &PlacementError{Code: CodeFootprintExceeded, PlotIndex: i, StructureID: structureID, Need: int64(def.Footprint), Have: int64(free)}
	}

	inst := StructureInstance{
		RuntimeID:    e.newRuntimeID(),
		DefinitionID: def.ID,
		PlotIndex:    i,
		Name:         def.Name,
		Category:     def.Category,
		Footprint:    def.Footprint,
		Cost:         def.Cost,
		Production:   copyRates(def.Production),
		Consumption:  copyRates(def.Consumption),
		Storage:      copyRates(def.Storage),
	}
	e.currency -= def.Cost
	plot.Structures = append(plot.Structures, inst)
	plot.FootprintUsed += def.Footprint
	plot.State = PlotBuilt
	return inst, nil
}

// Demolish removes an instance and refunds half its build cost, rounded down.
func (e *Estate) Demolish(i int, runtimeID string) (int64, error) {
	if !e.grid.inRange(i) {
		return 0, &DemolitionError{Code: CodePlotOutOfRange, PlotIndex: i, RuntimeID: runtimeID}
	}
	plot := &e.grid.Plots[i]
	at := -1
	for k, s := range plot.Structures {
		if s.RuntimeID == runtimeID {
			at = k
			break
		}
	}
	if at < 0 {
		return 0, &DemolitionError{Code: CodeInstanceNotFound, PlotIndex: i, RuntimeID: runtimeID}
	}
	refund := Refund(plot.Structures[at].Cost)
	e.currency += refund

	rest := make([]StructureInstance, 0, len(plot.Structures)-1)
	rest = append(rest, plot.Structures[:at]...)
	rest = append(rest, plot.Structures[at+1:]...)
	used := 0
	for _, s := range rest {
		used += s.Footprint
	}
	plot.FootprintUsed = used
	if len(rest) == 0 {
		plot.Structures = nil
		plot.State = PlotEmpty
	} else {
		plot.Structures = rest
	}
	return refund, nil
}

// Refund is floor(cost * 0.5) for non-negative costs.
func Refund(cost int64) int64 {
	if cost <= 0 {
		return 0
	}
	return cost / 2
}

func (e *Estate) Rename(i int, name string) error {
	if !e.grid.inRange(i) {
		return &PlacementError{Code: CodePlotOutOfRange, PlotIndex: i}
	}
	if e.grid.Plots[i].State == PlotLocked {
		return &PlacementError{Code: CodePlotLocked, PlotIndex: i}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return &ArgumentError{Field: "name", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(name) > MaxPlotNameLen {
		return &ArgumentError{Field: "name", Reason: "too long"}
	}
	e.grid.Plots[i].Name = name
	return nil
}
