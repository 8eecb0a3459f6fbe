// Package metrics exposes engine, index and mirror state to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"estateplanner.dev/internal/persistence/indexdb"
	"estateplanner.dev/internal/persistence/s3mirror"
	"estateplanner.dev/internal/sim/estate"
)

const namespace = "estate"

// Source is satisfied by *estate.Engine.
type Source interface {
	ID() string
	View() estate.View
	Metrics() estate.EngineMetrics
}

type Options struct {
	IndexStats  func() indexdb.Stats
	MirrorStats func() s3mirror.Stats
}

// Collector reads the published view on every scrape, so values are always
// those of one completed tick.
type Collector struct {
	src  Source
	opts Options

	tick, currency, population, stepMS, subscribers        *prometheus.Desc
	actions, rejected, snapshotsQueued, snapshotDrops      *prometheus.Desc
	capacity, used, produced, stock, loadRatio             *prometheus.Desc
	starved, structures, ownedPlots, footprint, footprintL *prometheus.Desc
	beds, occupancy, runway                                *prometheus.Desc

	indexDrops, indexQueue       *prometheus.Desc
	mirrorQueue, mirrorCounters  *prometheus.Desc
	mirrorLastSuccess, mirrorErr *prometheus.Desc
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append([]string{"estate"}, labels...), nil)
}

func NewCollector(src Source, opts Options) *Collector {
	return &Collector{
		src:  src,
		opts: opts,

		tick:            desc("tick", "Completed ticks."),
		currency:        desc("currency", "Currency balance."),
		population:      desc("population", "Current population."),
		stepMS:          desc("step_ms", "Last tick step duration in milliseconds."),
		subscribers:     desc("subscribers", "Live view subscribers."),
		actions:         desc("actions_total", "Accepted actions."),
		rejected:        desc("rejected_total", "Rejected actions."),
		snapshotsQueued: desc("snapshots_queued_total", "Snapshots handed to a sink."),
		snapshotDrops:   desc("snapshot_drops_total", "Snapshots dropped because a sink was full."),

		capacity:  desc("resource_capacity", "Ledger capacity per resource kind.", "kind"),
		used:      desc("resource_used", "Ledger usage per resource kind.", "kind"),
		produced:  desc("resource_produced", "Committed production per resource kind.", "kind"),
		stock:     desc("resource_stock", "Carried stock per stock-mode kind.", "kind"),
		loadRatio: desc("resource_load_ratio", "used / capacity per resource kind.", "kind"),

		starved:    desc("starved_structures", "Structures starved in the last tick."),
		structures: desc("structures", "Placed structures."),
		ownedPlots: desc("owned_plots", "Plots not locked."),
		footprint:  desc("footprint_used", "Total footprint in use."),
		footprintL: desc("footprint_limit", "Footprint limit per plot."),
		beds:       desc("beds", "Bed capacity."),
		occupancy:  desc("bed_occupancy", "population / beds."),
		runway:     desc("runway_days", "Days of runway for the configured kind; -1 when unbounded."),

		indexDrops:        desc("index_dropped_total", "Index writes dropped because the queue was full.", "kind"),
		indexQueue:        desc("index_queue", "Index writer queue.", "field"),
		mirrorQueue:       desc("mirror_queue", "Object storage mirror queue.", "field"),
		mirrorCounters:    desc("mirror_events_total", "Object storage mirror counters.", "event"),
		mirrorLastSuccess: desc("mirror_last_success_unix", "Unix time of the last successful upload."),
		mirrorErr:         desc("mirror_last_error_unix", "Unix time of the last failed upload."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tick, c.currency, c.population, c.stepMS, c.subscribers,
		c.actions, c.rejected, c.snapshotsQueued, c.snapshotDrops,
		c.capacity, c.used, c.produced, c.stock, c.loadRatio,
		c.starved, c.structures, c.ownedPlots, c.footprint, c.footprintL,
		c.beds, c.occupancy, c.runway,
		c.indexDrops, c.indexQueue, c.mirrorQueue, c.mirrorCounters, c.mirrorLastSuccess, c.mirrorErr,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	id := c.src.ID()
	v := c.src.View()
	m := c.src.Metrics()

	gauge := func(d *prometheus.Desc, val float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, val, append([]string{id}, labels...)...)
	}
	counter := func(d *prometheus.Desc, val float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, val, append([]string{id}, labels...)...)
	}

	gauge(c.tick, float64(m.Tick))
	gauge(c.currency, float64(v.Currency))
	gauge(c.population, float64(v.Metrics.Population))
	gauge(c.stepMS, m.StepMS)
	gauge(c.subscribers, float64(m.Subscribers))
	counter(c.actions, float64(m.ActionsTotal))
	counter(c.rejected, float64(m.RejectedTotal))
	counter(c.snapshotsQueued, float64(m.SnapshotsQueued))
	counter(c.snapshotDrops, float64(m.SnapshotDrops))

	for _, kind := range v.Ledger.Kinds() {
		line := v.Ledger[kind]
		gauge(c.capacity, line.Capacity, kind)
		gauge(c.used, line.Used, kind)
		gauge(c.produced, line.Produced, kind)
		gauge(c.stock, line.Stock, kind)
		gauge(c.loadRatio, v.Metrics.LoadRatio[kind], kind)
	}

	gauge(c.starved, float64(v.Metrics.Starved))
	gauge(c.structures, float64(v.Metrics.Structures))
	gauge(c.ownedPlots, float64(v.Metrics.OwnedPlots))
	gauge(c.footprint, float64(v.Metrics.FootprintUsed))
	gauge(c.footprintL, float64(v.Metrics.FootprintLimit))
	gauge(c.beds, v.Metrics.Beds)
	gauge(c.occupancy, v.Metrics.Occupancy)
	if v.Metrics.RunwayBounded {
		gauge(c.runway, float64(v.Metrics.RunwayDays))
	} else {
		gauge(c.runway, -1)
	}

	if c.opts.IndexStats != nil {
		s := c.opts.IndexStats()
		counter(c.indexDrops, float64(s.DropTickTotal), "tick")
		counter(c.indexDrops, float64(s.DropAuditTotal), "audit")
		counter(c.indexDrops, float64(s.DropSnapshotTotal), "snapshot")
		gauge(c.indexQueue, float64(s.QueueDepth), "depth")
		gauge(c.indexQueue, float64(s.QueueCapacity), "capacity")
	}
	if c.opts.MirrorStats != nil {
		s := c.opts.MirrorStats()
		gauge(c.mirrorQueue, float64(s.QueueDepth), "depth")
		gauge(c.mirrorQueue, float64(s.QueueCapacity), "capacity")
		counter(c.mirrorCounters, float64(s.EnqueuedTotal), "enqueued")
		counter(c.mirrorCounters, float64(s.QueueSaturatedTotal), "queue_saturated")
		counter(c.mirrorCounters, float64(s.DroppedTotal), "dropped")
		counter(c.mirrorCounters, float64(s.UploadSuccessTotal), "upload_success")
		counter(c.mirrorCounters, float64(s.UploadFailTotal), "upload_fail")
		gauge(c.mirrorLastSuccess, float64(s.LastSuccessUnix))
		gauge(c.mirrorErr, float64(s.LastErrorUnix))
	}
}

// NewRegistry returns a registry with the estate collector plus the Go and
// process collectors.
func NewRegistry(src Source, opts Options) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src, opts),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
