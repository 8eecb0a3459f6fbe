// Package wire converts between estate types and protocol messages. Both
// the websocket and the HTTP transport speak through it.
package wire

import (
	"encoding/json"
	"net/http"

	"estateplanner.dev/internal/protocol"
	"estateplanner.dev/internal/sim/estate"
	"estateplanner.dev/internal/sim/estate/logic/flow"
)

var codeMap = map[estate.Code]string{
	estate.CodePlotLocked:         protocol.ErrPlotLocked,
	estate.CodeUnknownStructure:   protocol.ErrUnknownStructure,
	estate.CodeInsufficientFunds:  protocol.ErrNoFunds,
	estate.CodeFootprintExceeded:  protocol.ErrFootprint,
	estate.CodeInstanceNotFound:   protocol.ErrNotFound,
	estate.CodePlotAlreadyOwned:   protocol.ErrPlotOwned,
	estate.CodeNoFurtherTier:      protocol.ErrNoTier,
	estate.CodePlotOutOfRange:     protocol.ErrOutOfRange,
	estate.CodeInvalidArgument:    protocol.ErrBadRequest,
	estate.CodeCatalogBaseProtect: protocol.ErrConflict,
	estate.CodeInvalidDefinition:  protocol.ErrInvalidDefinition,
}

// Code maps a rejection to its protocol code. Errors that carry no estate
// code are internal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if c, ok := estate.CodeOf(err); ok {
		if pc, ok := codeMap[c]; ok {
			return pc
		}
	}
	return protocol.ErrInternal
}

func HTTPStatus(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case protocol.ErrProtoBadRequest, protocol.ErrBadRequest, protocol.ErrOutOfRange, protocol.ErrInvalidDefinition:
		return http.StatusBadRequest
	case protocol.ErrNotFound, protocol.ErrUnknownStructure, protocol.ErrEstateNotFound:
		return http.StatusNotFound
	case protocol.ErrPlotLocked, protocol.ErrPlotOwned, protocol.ErrNoTier, protocol.ErrConflict:
		return http.StatusConflict
	case protocol.ErrNoFunds:
		return http.StatusPaymentRequired
	case protocol.ErrFootprint:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func Action(b protocol.ActionBody) estate.Action {
	return estate.Action{
		Type:        b.Kind,
		Plot:        b.Plot,
		StructureID: b.StructureID,
		RuntimeID:   b.RuntimeID,
		Name:        b.Name,
		Size:        b.Size,
		Population:  b.Population,
		Definition:  b.Definition,
	}
}

func Result(reqID string, tick uint64, res estate.ActionResult, err error) protocol.ResultMsg {
	out := protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		Tick:            tick,
		Accepted:        err == nil,
		Currency:        res.Currency,
		Refund:          res.Refund,
	}
	if err != nil {
		out.Code = Code(err)
		out.Message = err.Error()
		return out
	}
	if res.Instance != nil {
		out.RuntimeID = res.Instance.RuntimeID
	}
	if res.Tier != nil {
		t := TierRef(*res.Tier)
		out.Tier = &t
	}
	return out
}

func TierRef(t estate.Tier) protocol.TierRef {
	return protocol.TierRef{Size: t.Size, Cost: t.Cost, Desc: t.Desc}
}

func Ledger(v estate.View) protocol.LedgerMsg {
	starved := make(map[string]bool, len(v.Starved))
	for _, id := range v.Starved {
		starved[id] = true
	}
	msg := protocol.LedgerMsg{
		Type:            protocol.TypeLedger,
		ProtocolVersion: protocol.Version,
		EstateID:        v.EstateID,
		Tick:            v.Tick,
		Currency:        v.Currency,
		Digest:          v.Digest,
		Grid:            Grid(v.Grid, starved),
		Ledger:          make(map[string]protocol.LineObs, len(v.Ledger)),
		Starved:         append([]string{}, v.Starved...),
		Metrics: protocol.MetricsObs{
			Population:     v.Metrics.Population,
			PeakTarget:     v.Metrics.PeakTarget,
			Beds:           v.Metrics.Beds,
			Occupancy:      v.Metrics.Occupancy,
			Structures:     v.Metrics.Structures,
			OwnedPlots:     v.Metrics.OwnedPlots,
			FootprintUsed:  v.Metrics.FootprintUsed,
			FootprintLimit: v.Metrics.FootprintLimit,
		},
	}
	if v.Metrics.RunwayBounded {
		d := v.Metrics.RunwayDays
		msg.Metrics.RunwayDays = &d
	}
	for k, l := range v.Ledger {
		msg.Ledger[k] = protocol.LineObs{
			Capacity:  l.Capacity,
			Used:      l.Used,
			Produced:  l.Produced,
			Stock:     l.Stock,
			LoadRatio: flow.LoadRatio(l),
		}
	}
	return msg
}

func Grid(g estate.Grid, starved map[string]bool) protocol.GridObs {
	out := protocol.GridObs{
		Dimension:     g.Dimension,
		ExpansionTier: g.ExpansionTier,
		Plots:         make([]protocol.PlotObs, len(g.Plots)),
	}
	for i, p := range g.Plots {
		po := protocol.PlotObs{Index: i, State: p.State.String(), Name: p.Name, FootprintUsed: p.FootprintUsed}
		for _, s := range p.Structures {
			po.Structures = append(po.Structures, protocol.StructureObs{
				RuntimeID:    s.RuntimeID,
				DefinitionID: s.DefinitionID,
				Name:         s.Name,
				Category:     s.Category,
				Footprint:    s.Footprint,
				Starved:      starved[s.RuntimeID],
			})
		}
		out.Plots[i] = po
	}
	return out
}

// Welcome describes the estate behind g to a new session.
func Welcome(sessionID string, g *estate.Engine) protocol.WelcomeMsg {
	v := g.View()
	tiers, _, _ := g.Tiers()
	refs := make([]protocol.TierRef, 0, len(tiers))
	for _, t := range tiers {
		refs = append(refs, TierRef(t))
	}
	cat := g.Catalog()
	cfg := g.EstateConfig()
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		EstateID:        g.ID(),
		Tick:            v.Tick,
		Params: protocol.EstateParams{
			TickRateHz:   g.TickRateHz(),
			PlotCost:     cfg.PlotCost,
			MaxFootprint: cfg.MaxFootprint,
			Dimension:    v.Grid.Dimension,
			Tiers:        refs,
		},
		Catalogs: protocol.CatalogDigests{
			Structures: protocol.DigestRef{Digest: cat.Digest, Count: len(cat.Order)},
		},
	}
}

func Catalog(g *estate.Engine) (protocol.CatalogMsg, error) {
	cat := g.Catalog()
	b, err := json.Marshal(cat.List())
	if err != nil {
		return protocol.CatalogMsg{}, err
	}
	return protocol.CatalogMsg{
		Type:            protocol.TypeCatalog,
		ProtocolVersion: protocol.Version,
		Name:            "structures",
		Digest:          cat.Digest,
		Data:            b,
	}, nil
}
