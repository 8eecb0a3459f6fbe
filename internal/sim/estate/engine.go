package estate

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"estateplanner.dev/internal/persistence/snapshot"
	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate/logic/flow"
)

type EngineConfig struct {
	ID                 string
	TickRateHz         int
	SnapshotEveryTicks int
}

// Optional loggers (may be nil). Implemented in internal/persistence/log.
type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type TickLogEntry struct {
	Tick    uint64           `json:"tick"`
	Actions []RecordedAction `json:"actions,omitempty"`
	Digest  string           `json:"digest"`
}

type RecordedAction struct {
	Actor string `json:"actor"`
	Act   Action `json:"act"`
}

type AuditEntry struct {
	Tick     uint64         `json:"tick"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Plot     int            `json:"plot"`
	Code     string         `json:"code,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Currency int64          `json:"currency"`
	Details  map[string]any `json:"details,omitempty"`
}

// View is the published read model. Readers never see a partially computed
// tick.
type View struct {
	EstateID string      `json:"estate_id"`
	Tick     uint64      `json:"tick"`
	Currency int64       `json:"currency"`
	Grid     Grid        `json:"grid"`
	Ledger   flow.Ledger `json:"ledger"`
	Starved  []string    `json:"starved"`
	Metrics  Metrics     `json:"metrics"`
	Digest   string      `json:"digest"`
}

// EngineMetrics is a read-only view of runtime counters.
type EngineMetrics struct {
	Tick            uint64  `json:"tick"`
	StepMS          float64 `json:"step_ms"`
	Subscribers     int     `json:"subscribers"`
	ActionsTotal    uint64  `json:"actions_total"`
	RejectedTotal   uint64  `json:"rejected_total"`
	SnapshotsQueued uint64  `json:"snapshots_queued"`
	SnapshotDrops   uint64  `json:"snapshot_drops"`
}

// Engine owns one Estate. Mutations and ticks are serialized by mu, so a
// tick never observes a half-applied action.
type Engine struct {
	cfg    EngineConfig
	logger *log.Logger

	mu      sync.Mutex
	est     *Estate
	tick    uint64 // completed ticks
	pending []RecordedAction

	tickLogger  TickLogger
	auditLogger AuditLogger

	// Periodic and on-demand snapshots (files, index, mirror).
	snapshotSink chan<- snapshot.SnapshotV1
	// Save-after-mutation stream for the save store. Latest wins: a queued
	// save is replaced by a newer one when the channel is full.
	saveSink chan snapshot.SnapshotV1
	// Pre-reset state, offered only after a RESET is accepted.
	archiveSink chan<- snapshot.SnapshotV1

	view    atomic.Value // View
	metrics atomic.Value // EngineMetrics

	actionsTotal    atomic.Uint64
	rejectedTotal   atomic.Uint64
	snapshotsQueued atomic.Uint64
	snapshotDrops   atomic.Uint64

	subsMu  sync.Mutex
	subs    map[int]chan View
	nextSub int

	stop     chan struct{}
	stopOnce sync.Once
}

func NewEngine(cfg EngineConfig, est *Estate) *Engine {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 1
	}
	g := &Engine{
		cfg:  cfg,
		est:  est,
		subs: map[int]chan View{},
		stop: make(chan struct{}),
	}
	g.mu.Lock()
	g.publishLocked(est.Preview(), 0)
	g.mu.Unlock()
	return g
}

func (g *Engine) SetLogger(l *log.Logger)                       { g.logger = l }
func (g *Engine) SetTickLogger(l TickLogger)                    { g.tickLogger = l }
func (g *Engine) SetAuditLogger(l AuditLogger)                  { g.auditLogger = l }
func (g *Engine) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { g.snapshotSink = ch }
func (g *Engine) SetSaveSink(ch chan snapshot.SnapshotV1)       { g.saveSink = ch }
func (g *Engine) SetArchiveSink(ch chan<- snapshot.SnapshotV1)  { g.archiveSink = ch }

func (g *Engine) ID() string { return g.cfg.ID }

func (g *Engine) TickRateHz() int { return g.cfg.TickRateHz }

func (g *Engine) CurrentTick() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tick
}

func (g *Engine) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

// Run steps the estate at the configured rate until ctx is done or Stop is
// called.
func (g *Engine) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(g.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stop:
			return nil
		case <-ticker.C:
			g.Step()
		}
	}
}

func (g *Engine) Stop() { g.stopOnce.Do(func() { close(g.stop) }) }

// Step computes one tick and returns its number and ledger digest.
func (g *Engine) Step() (tick uint64, digest string) {
	start := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	tick = g.tick + 1
	res := g.est.Tick()
	digest = LedgerDigest(res.Ledger, res.Starved)

	if g.tickLogger != nil {
		entry := TickLogEntry{Tick: tick, Actions: g.pending, Digest: digest}
		if err := g.tickLogger.WriteTick(entry); err != nil {
			g.logf("tick log: %v", err)
		}
	}
	g.pending = nil
	g.tick = tick

	if g.snapshotSink != nil && g.cfg.SnapshotEveryTicks > 0 && tick%uint64(g.cfg.SnapshotEveryTicks) == 0 {
		g.offerLocked(g.snapshotSink, g.exportLocked())
	}

	g.publishLocked(res, float64(time.Since(start).Microseconds())/1000.0)
	return tick, digest
}

func (g *Engine) publishLocked(res TickResult, stepMS float64) {
	v := View{
		EstateID: g.cfg.ID,
		Tick:     g.tick,
		Currency: g.est.Currency(),
		Grid:     g.est.Grid(),
		Ledger:   res.Ledger,
		Starved:  res.Starved.Sorted(),
		Metrics:  res.Metrics,
		Digest:   LedgerDigest(res.Ledger, res.Starved),
	}
	g.view.Store(v)

	g.subsMu.Lock()
	n := len(g.subs)
	for _, ch := range g.subs {
		sendLatest(ch, v)
	}
	g.subsMu.Unlock()

	g.metrics.Store(EngineMetrics{
		Tick:            g.tick,
		StepMS:          stepMS,
		Subscribers:     n,
		ActionsTotal:    g.actionsTotal.Load(),
		RejectedTotal:   g.rejectedTotal.Load(),
		SnapshotsQueued: g.snapshotsQueued.Load(),
		SnapshotDrops:   g.snapshotDrops.Load(),
	})
}

func (g *Engine) View() View {
	v, _ := g.view.Load().(View)
	return v
}

func (g *Engine) Metrics() EngineMetrics {
	m, _ := g.metrics.Load().(EngineMetrics)
	return m
}

// Subscribe returns a channel that receives the latest view after every
// tick and mutation. Slow readers lose intermediate views, never the newest.
func (g *Engine) Subscribe(buf int) (<-chan View, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan View, buf)
	g.subsMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = ch
	g.subsMu.Unlock()
	sendLatest(ch, g.View())

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.subsMu.Lock()
			delete(g.subs, id)
			g.subsMu.Unlock()
		})
	}
}

func sendLatest(ch chan View, v View) {
	select {
	case ch <- v:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Do applies an action on behalf of actor. Rejections leave the estate
// untouched and are returned as typed errors.
func (g *Engine) Do(actor string, a Action) (ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var before *snapshot.SnapshotV1
	if a.Type == ActReset && g.archiveSink != nil {
		s := g.exportLocked()
		before = &s
	}

	res, err := g.est.Apply(a)
	audit := AuditEntry{Tick: g.tick, Actor: actor, Action: a.Type, Plot: a.Plot, Currency: res.Currency}
	if err != nil {
		g.rejectedTotal.Add(1)
		if code, ok := CodeOf(err); ok {
			audit.Code = string(code)
		}
		audit.Reason = err.Error()
		g.writeAudit(audit)
		return res, err
	}
	g.actionsTotal.Add(1)

	switch {
	case res.Instance != nil:
		audit.Details = map[string]any{"runtime_id": res.Instance.RuntimeID, "structure_id": res.Instance.DefinitionID, "cost": res.Instance.Cost}
	case res.Refund != 0:
		audit.Details = map[string]any{"runtime_id": a.RuntimeID, "refund": res.Refund}
	case res.Tier != nil:
		audit.Details = map[string]any{"size": res.Tier.Size, "cost": res.Tier.Cost}
	}
	g.writeAudit(audit)

	g.pending = append(g.pending, RecordedAction{Actor: actor, Act: a})
	if before != nil {
		g.offerLocked(g.archiveSink, *before)
	}
	if g.saveSink != nil {
		g.offerLatestLocked(g.saveSink, g.exportLocked())
	}
	g.publishLocked(g.est.Preview(), 0)
	return res, nil
}

func (g *Engine) writeAudit(e AuditEntry) {
	if g.auditLogger == nil {
		return
	}
	if err := g.auditLogger.WriteAudit(e); err != nil {
		g.logf("audit log: %v", err)
	}
}

func (g *Engine) offerLocked(ch chan<- snapshot.SnapshotV1, snap snapshot.SnapshotV1) bool {
	select {
	case ch <- snap:
		g.snapshotsQueued.Add(1)
		return true
	default:
		g.snapshotDrops.Add(1)
		return false
	}
}

// offerLatestLocked replaces the oldest queued snapshot when ch is full.
// Every discarded snapshot counts as a drop.
func (g *Engine) offerLatestLocked(ch chan snapshot.SnapshotV1, snap snapshot.SnapshotV1) bool {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case ch <- snap:
			g.snapshotsQueued.Add(1)
			return true
		default:
		}
		select {
		case <-ch:
			g.snapshotDrops.Add(1)
		default:
		}
	}
	g.snapshotDrops.Add(1)
	return false
}

func (g *Engine) Build(actor string, plot int, structureID string) (StructureInstance, error) {
	res, err := g.Do(actor, Action{Type: ActBuild, Plot: plot, StructureID: structureID})
	if err != nil {
		return StructureInstance{}, err
	}
	return *res.Instance, nil
}

func (g *Engine) Demolish(actor string, plot int, runtimeID string) (int64, error) {
	res, err := g.Do(actor, Action{Type: ActDemolish, Plot: plot, RuntimeID: runtimeID})
	return res.Refund, err
}

func (g *Engine) Rename(actor string, plot int, name string) error {
	_, err := g.Do(actor, Action{Type: ActRename, Plot: plot, Name: name})
	return err
}

func (g *Engine) PurchasePlot(actor string, plot int) error {
	_, err := g.Do(actor, Action{Type: ActPurchasePlot, Plot: plot})
	return err
}

// Expand grows the grid to the configured tier of the given size, or to the
// next tier when size is 0.
func (g *Engine) Expand(actor string, size int) (Tier, error) {
	res, err := g.Do(actor, Action{Type: ActExpand, Size: size})
	if err != nil {
		return Tier{}, err
	}
	return *res.Tier, nil
}

func (g *Engine) SetPopulation(actor string, n int) error {
	_, err := g.Do(actor, Action{Type: ActSetPopulation, Population: n})
	return err
}

func (g *Engine) UpsertCatalogOverride(actor string, raw json.RawMessage) error {
	_, err := g.Do(actor, Action{Type: ActUpsertDefinition, Definition: raw})
	return err
}

func (g *Engine) RemoveCatalogOverride(actor string, id string) error {
	_, err := g.Do(actor, Action{Type: ActRemoveDefinition, StructureID: id})
	return err
}

func (g *Engine) Reset(actor string) error {
	_, err := g.Do(actor, Action{Type: ActReset})
	return err
}

// Catalog returns the merged catalog. The returned value is replaced, never
// mutated, on override changes.
func (g *Engine) Catalog() *catalogs.StructureCatalog {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.est.Catalog()
}

func (g *Engine) Tiers() (tiers []Tier, next Tier, hasNext bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next, hasNext = g.est.NextTier()
	return append([]Tier(nil), g.est.Config().Tiers...), next, hasNext
}

func (g *Engine) EstateConfig() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.est.Config()
}

func (g *Engine) ExportSnapshot() snapshot.SnapshotV1 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exportLocked()
}

func (g *Engine) exportLocked() snapshot.SnapshotV1 {
	s := g.est.ExportSnapshot(g.cfg.ID, g.tick)
	for _, p := range g.pending {
		b, err := json.Marshal(p.Act)
		if err != nil {
			continue
		}
		s.Pending = append(s.Pending, snapshot.PendingActionV1{Actor: p.Actor, Act: b})
	}
	return s
}

// ImportSnapshot replaces the estate state. The next tick computed is
// Header.Tick+1 and it carries the snapshot's pending actions.
func (g *Engine) ImportSnapshot(s snapshot.SnapshotV1) error {
	pending := make([]RecordedAction, 0, len(s.Pending))
	for _, p := range s.Pending {
		var a Action
		if err := json.Unmarshal(p.Act, &a); err != nil {
			return err
		}
		pending = append(pending, RecordedAction{Actor: p.Actor, Act: a})
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.est.ImportSnapshot(s); err != nil {
		return err
	}
	g.tick = s.Header.Tick
	g.pending = pending
	g.publishLocked(g.est.Preview(), 0)
	return nil
}

// RequestSnapshot enqueues a snapshot of the current state on the snapshot
// sink.
func (g *Engine) RequestSnapshot(ctx context.Context) (tick uint64, err error) {
	if g.snapshotSink == nil {
		return 0, errors.New("snapshot sink not configured")
	}
	g.mu.Lock()
	snap := g.exportLocked()
	g.mu.Unlock()

	select {
	case g.snapshotSink <- snap:
		g.snapshotsQueued.Add(1)
		return snap.Header.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
