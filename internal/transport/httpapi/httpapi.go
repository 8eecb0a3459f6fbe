// Package httpapi exposes the estate over plain HTTP under /v1. Mutations
// answer with the same RESULT body the websocket stream sends.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"estateplanner.dev/internal/protocol"
	"estateplanner.dev/internal/sim/estate"
	"estateplanner.dev/internal/transport/wire"
)

const maxBody = 1 << 20

type Handler struct {
	engine *estate.Engine
	log    *log.Logger
}

func New(g *estate.Engine, logger *log.Logger) *Handler {
	return &Handler{engine: g, log: logger}
}

// Routes mounts the API. ws, when non-nil, is served at /v1/ws.
func (h *Handler) Routes(ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if h.log != nil {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: h.log, NoColor: true}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/estate", h.getEstate)
		r.Get("/catalog", h.getCatalog)
		r.Get("/tiers", h.getTiers)

		r.Post("/actions", h.postAction)

		r.Route("/plots/{plot}", func(r chi.Router) {
			r.Post("/purchase", h.purchasePlot)
			r.Put("/name", h.renamePlot)
			r.Post("/structures", h.build)
			r.Delete("/structures/{runtimeID}", h.demolish)
		})
		r.Post("/expand", h.expand)
		r.Put("/population", h.setPopulation)
		r.Put("/definitions/{id}", h.upsertDefinition)
		r.Delete("/definitions/{id}", h.removeDefinition)
		r.Post("/reset", h.reset)

		if ws != nil {
			r.Handle("/ws", ws)
		}
	})
	return r
}

func (h *Handler) getEstate(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, wire.Ledger(h.engine.View()))
}

func (h *Handler) getCatalog(w http.ResponseWriter, r *http.Request) {
	msg, err := wire.Catalog(h.engine)
	if err != nil {
		respondError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

type tiersResponse struct {
	Dimension int                `json:"dimension"`
	Tiers     []protocol.TierRef `json:"tiers"`
	Next      *protocol.TierRef  `json:"next"`
}

func (h *Handler) getTiers(w http.ResponseWriter, r *http.Request) {
	tiers, next, ok := h.engine.Tiers()
	resp := tiersResponse{
		Dimension: h.engine.View().Grid.Dimension,
		Tiers:     make([]protocol.TierRef, 0, len(tiers)),
	}
	for _, t := range tiers {
		resp.Tiers = append(resp.Tiers, wire.TierRef(t))
	}
	if ok {
		n := wire.TierRef(next)
		resp.Next = &n
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) postAction(w http.ResponseWriter, r *http.Request) {
	var body protocol.ActionBody
	if !decodeBody(w, r, &body) {
		return
	}
	h.do(w, r, wire.Action(body))
}

func (h *Handler) purchasePlot(w http.ResponseWriter, r *http.Request) {
	plot, ok := plotParam(w, r)
	if !ok {
		return
	}
	h.do(w, r, estate.Action{Type: estate.ActPurchasePlot, Plot: plot})
}

func (h *Handler) renamePlot(w http.ResponseWriter, r *http.Request) {
	plot, ok := plotParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.do(w, r, estate.Action{Type: estate.ActRename, Plot: plot, Name: body.Name})
}

func (h *Handler) build(w http.ResponseWriter, r *http.Request) {
	plot, ok := plotParam(w, r)
	if !ok {
		return
	}
	var body struct {
		StructureID string `json:"structure_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.do(w, r, estate.Action{Type: estate.ActBuild, Plot: plot, StructureID: body.StructureID})
}

func (h *Handler) demolish(w http.ResponseWriter, r *http.Request) {
	plot, ok := plotParam(w, r)
	if !ok {
		return
	}
	h.do(w, r, estate.Action{Type: estate.ActDemolish, Plot: plot, RuntimeID: chi.URLParam(r, "runtimeID")})
}

func (h *Handler) expand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Size int `json:"size"`
	}
	// An empty body, with or without a Content-Length, expands to the next tier.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	h.do(w, r, estate.Action{Type: estate.ActExpand, Size: body.Size})
}

func (h *Handler) setPopulation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Population int `json:"population"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.do(w, r, estate.Action{Type: estate.ActSetPopulation, Population: body.Population})
}

func (h *Handler) upsertDefinition(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, err.Error())
		return
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		respondError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "definition must be a JSON object")
		return
	}
	if id := chi.URLParam(r, "id"); head.ID != id {
		respondError(w, http.StatusBadRequest, protocol.ErrBadRequest, fmt.Sprintf("definition id %q does not match path %q", head.ID, id))
		return
	}
	h.do(w, r, estate.Action{Type: estate.ActUpsertDefinition, Definition: raw})
}

func (h *Handler) removeDefinition(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, estate.Action{Type: estate.ActRemoveDefinition, StructureID: chi.URLParam(r, "id")})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, estate.Action{Type: estate.ActReset})
}

func (h *Handler) do(w http.ResponseWriter, r *http.Request, a estate.Action) {
	res, err := h.engine.Do(actor(r), a)
	msg := wire.Result(r.Header.Get("X-Request-ID"), h.engine.CurrentTick(), res, err)
	respondJSON(w, wire.HTTPStatus(msg.Code), msg)
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "http"
}

func plotParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	plot, err := strconv.Atoi(chi.URLParam(r, "plot"))
	if err != nil {
		respondError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "invalid plot index")
		return 0, false
	}
	return plot, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
}
