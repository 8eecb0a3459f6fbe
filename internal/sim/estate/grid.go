package estate

import "estateplanner.dev/internal/sim/estate/logic/ids"

// PurchasePlot unlocks a Locked plot for PlotCost.
func (e *Estate) PurchasePlot(i int) error {
	if !e.grid.inRange(i) {
		return &GridError{Code: CodePlotOutOfRange, PlotIndex: i}
	}
	if e.grid.Plots[i].State != PlotLocked {
		return &GridError{Code: CodePlotAlreadyOwned, PlotIndex: i}
	}
	if e.currency < e.cfg.PlotCost {
		return &GridError{Code: CodeInsufficientFunds, PlotIndex: i, Need: e.cfg.PlotCost, Have: e.currency}
	}
	e.currency -= e.cfg.PlotCost
	e.grid.Plots[i] = Plot{State: PlotEmpty, Name: defaultPlotName(i)}
	return nil
}

// NextTier returns the smallest configured tier larger than the current grid.
func (e *Estate) NextTier() (Tier, bool) {
	var best Tier
	found := false
	for _, t := range e.cfg.Tiers {
		if t.Size <= e.grid.Dimension {
			continue
		}
		if !found || t.Size < best.Size {
			best, found = t, true
		}
	}
	return best, found
}

// Expand grows the grid to tier.Size. Existing plots keep their (row, col)
// position; new cells are Locked.
func (e *Estate) Expand(tier Tier) error {
	old := e.grid.Dimension
	if tier.Size <= old {
		return &GridError{Code: CodeNoFurtherTier, Size: old}
	}
	if e.currency < tier.Cost {
		return &GridError{Code: CodeInsufficientFunds, Size: tier.Size, Need: tier.Cost, Have: e.currency}
	}
	e.currency -= tier.Cost

	next := NewGrid(tier.Size)
	next.ExpansionTier = e.grid.ExpansionTier
	for i, t := range e.cfg.Tiers {
		if t.Size == tier.Size {
			next.ExpansionTier = i
		}
	}
	for i, p := range e.grid.Plots {
		j := ids.RemapIndex(i, old, tier.Size)
		for k := range p.Structures {
			p.Structures[k].PlotIndex = j
		}
		next.Plots[j] = p
	}
	e.grid = next
	return nil
}

func (e *Estate) ExpandNext() (Tier, error) {
	t, ok := e.NextTier()
	if !ok {
		return Tier{}, &GridError{Code: CodeNoFurtherTier, Size: e.grid.Dimension}
	}
	return t, e.Expand(t)
}
