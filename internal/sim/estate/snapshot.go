package estate

import (
	"encoding/json"
	"fmt"

	"estateplanner.dev/internal/persistence/snapshot"
	"estateplanner.dev/internal/sim/estate/logic/ids"
)

// ExportSnapshot captures the persistent state. Ledger values other than
// stock are derived and not saved.
func (e *Estate) ExportSnapshot(estateID string, tick uint64) snapshot.SnapshotV1 {
	s := snapshot.SnapshotV1{
		Header:        snapshot.Header{Version: snapshot.Version, EstateID: estateID, Tick: tick},
		Currency:      e.currency,
		Population:    e.population,
		Stock:         e.Stock(),
		CatalogDigest: e.catalog.Digest,
		Counters:      snapshot.CountersV1{NextRuntime: e.nextRuntime},
		Grid:          snapshot.GridV1{
			Dimension:     e.grid.Dimension,
			ExpansionTier: e.grid.ExpansionTier,
			Plots:         make([]snapshot.PlotV1, len(e.grid.Plots)),
		},
	}
	for _, raw := range e.CatalogOverrides() {
		s.CatalogOverrides = append(s.CatalogOverrides, snapshot.OverrideDoc(raw))
	}
	for i, p := range e.grid.Plots {
		pv := snapshot.PlotV1{State: p.State.String(), Name: p.Name, FootprintUsed: p.FootprintUsed}
		for _, st := range p.Structures {
			pv.Structures = append(pv.Structures, snapshot.StructureV1{
				RuntimeID:    st.RuntimeID,
				DefinitionID: st.DefinitionID,
				Name:         st.Name,
				Category:     st.Category,
				Footprint:    st.Footprint,
				Cost:         st.Cost,
				Production:   copyRates(st.Production),
				Consumption:  copyRates(st.Consumption),
				Storage:      copyRates(st.Storage),
			})
		}
		s.Grid.Plots[i] = pv
	}
	return s
}

// ImportSnapshot replaces the estate state with s after validating it. On
// error the estate is unchanged.
func (e *Estate) ImportSnapshot(s snapshot.SnapshotV1) error {
	if s.Header.Version != snapshot.Version {
		return fmt.Errorf("%w: %d", snapshot.ErrVersion, s.Header.Version)
	}
	dim := s.Grid.Dimension
	if dim <= 0 || len(s.Grid.Plots) != dim*dim {
		return fmt.Errorf("snapshot grid: dimension %d with %d plots", dim, len(s.Grid.Plots))
	}
	if s.Population < 0 {
		return fmt.Errorf("snapshot population %d", s.Population)
	}

	g := NewGrid(dim)
	g.ExpansionTier = s.Grid.ExpansionTier
	seen := map[string]bool{}
	maxRuntime := s.Counters.NextRuntime
	for i, pv := range s.Grid.Plots {
		state, err := ParsePlotState(pv.State)
		if err != nil {
			return fmt.Errorf("snapshot plot %d: %w", i, err)
		}
		p := Plot{State: state, Name: pv.Name}
		for _, sv := range pv.Structures {
			if sv.RuntimeID == "" || seen[sv.RuntimeID] {
				return fmt.Errorf("snapshot plot %d: bad runtime id %q", i, sv.RuntimeID)
			}
			seen[sv.RuntimeID] = true
			if n, ok := ids.ParseRuntimeID(sv.RuntimeID); ok {
				maxRuntime = ids.MaxU64(maxRuntime, n)
			}
			p.Structures = append(p.Structures, StructureInstance{
				RuntimeID:    sv.RuntimeID,
				DefinitionID: sv.DefinitionID,
				PlotIndex:    i,
				Name:         sv.Name,
				Category:     sv.Category,
				Footprint:    sv.Footprint,
				Cost:         sv.Cost,
				Production:   copyRates(sv.Production),
				Consumption:  copyRates(sv.Consumption),
				Storage:      copyRates(sv.Storage),
			})
			p.FootprintUsed += sv.Footprint
		}
		if p.FootprintUsed != pv.FootprintUsed {
			return fmt.Errorf("snapshot plot %d: footprint_used %d, structures sum to %d", i, pv.FootprintUsed, p.FootprintUsed)
		}
		if p.FootprintUsed > e.cfg.MaxFootprint {
			return fmt.Errorf("snapshot plot %d: footprint %d over limit %d", i, p.FootprintUsed, e.cfg.MaxFootprint)
		}
		if (state == PlotBuilt) != (len(p.Structures) > 0) {
			return fmt.Errorf("snapshot plot %d: state %s with %d structures", i, state, len(p.Structures))
		}
		g.Plots[i] = p
	}

	var next []override
	for _, raw := range s.CatalogOverrides {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("snapshot catalog override: %w", err)
		}
		next = append(next, override{id: head.ID, raw: append(json.RawMessage(nil), raw...)})
	}
	if err := e.applyOverrides(next); err != nil {
		return fmt.Errorf("snapshot catalog override: %w", err)
	}

	e.grid = g
	e.currency = s.Currency
	e.population = s.Population
	e.stock = map[string]float64{}
	for k, v := range s.Stock {
		e.stock[k] = v
	}
	e.nextRuntime = maxRuntime
	return nil
}
