package estate

import "encoding/json"

const (
	ActBuild            = "BUILD"
	ActDemolish         = "DEMOLISH"
	ActRename           = "RENAME"
	ActPurchasePlot     = "PURCHASE_PLOT"
	ActExpand           = "EXPAND"
	ActSetPopulation    = "SET_POPULATION"
	ActUpsertDefinition = "UPSERT_DEFINITION"
	ActRemoveDefinition = "REMOVE_DEFINITION"
	ActReset            = "RESET"
)

// Action is the serializable form of every estate mutation. It is what the
// transports decode and what the tick log records.
type Action struct {
	Type        string          `json:"type"`
	Plot        int             `json:"plot"`
	StructureID string          `json:"structure_id,omitempty"`
	RuntimeID   string          `json:"runtime_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Size        int             `json:"size,omitempty"` // EXPAND; 0 means the next tier
	Population  int             `json:"population,omitempty"`
	Definition  json.RawMessage `json:"definition,omitempty"`
}

type ActionResult struct {
	Instance *StructureInstance `json:"instance,omitempty"`
	Refund   int64              `json:"refund,omitempty"`
	Tier     *Tier              `json:"tier,omitempty"`
	Currency int64              `json:"currency"`
}

// Apply dispatches a to the matching operation.
func (e *Estate) Apply(a Action) (ActionResult, error) {
	var res ActionResult
	var err error
	switch a.Type {
	case ActBuild:
		var inst StructureInstance
		inst, err = e.Build(a.Plot, a.StructureID)
		if err == nil {
			res.Instance = &inst
		}
	case ActDemolish:
		res.Refund, err = e.Demolish(a.Plot, a.RuntimeID)
	case ActRename:
		err = e.Rename(a.Plot, a.Name)
	case ActPurchasePlot:
		err = e.PurchasePlot(a.Plot)
	case ActExpand:
		var t Tier
		t, err = e.expandTo(a.Size)
		if err == nil {
			res.Tier = &t
		}
	case ActSetPopulation:
		err = e.SetPopulation(a.Population)
	case ActUpsertDefinition:
		_, err = e.UpsertCatalogOverride(a.Definition)
	case ActRemoveDefinition:
		err = e.RemoveCatalogOverride(a.StructureID)
	case ActReset:
		e.Reset()
	default:
		err = &ArgumentError{Field: "type", Reason: "unknown action " + a.Type}
	}
	res.Currency = e.currency
	return res, err
}

func (e *Estate) expandTo(size int) (Tier, error) {
	if size == 0 {
		return e.ExpandNext()
	}
	if size <= e.grid.Dimension {
		return Tier{}, &GridError{Code: CodeNoFurtherTier, Size: e.grid.Dimension}
	}
	for _, t := range e.cfg.Tiers {
		if t.Size == size {
			return t, e.Expand(t)
		}
	}
	return Tier{}, &ArgumentError{Field: "size", Reason: "no configured tier"}
}
