// Package telemetry exports feed and pipeline health to Prometheus. A single
// collector polls the owning components on an interval and sets gauges, so no
// hot path carries instrumentation calls.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/feed"
	"github.com/atlas-desktop/marketflow/internal/registry"
)

// Collector polls registry and controller stats into Prometheus gauges.
type Collector struct {
	logger     *zap.Logger
	registry   *registry.Registry
	controller *feed.Controller
	interval   time.Duration

	queueLength   *prometheus.GaugeVec
	queueDropped  *prometheus.GaugeVec
	bookApplied   *prometheus.GaugeVec
	bookDesyncs   *prometheus.GaugeVec
	bookBuffered  *prometheus.GaugeVec
	liveUptime    *prometheus.GaugeVec
	snapshotCount *prometheus.GaugeVec
	subLimit      prometheus.Gauge
	globalBackoff prometheus.Gauge
}

// NewCollector registers the gauges on the default Prometheus registry.
func NewCollector(logger *zap.Logger, reg *registry.Registry, ctrl *feed.Controller) *Collector {
	return &Collector{
		logger:     logger.Named("telemetry"),
		registry:   reg,
		controller: ctrl,
		interval:   10 * time.Second,

		queueLength: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketflow_queue_length",
			Help: "Retained events in the per-symbol sequenced queue.",
		}, []string{"symbol"}),
		queueDropped: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketflow_queue_dropped_total",
			Help: "Events dropped by the per-symbol queue on overflow.",
		}, []string{"symbol"}),
		bookApplied: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketflow_book_applied_total",
			Help: "Depth diffs applied to the order book.",
		}, []string{"symbol"}),
		bookDesyncs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketflow_book_desyncs_total",
			Help: "Sequence desync events per symbol.",
		}, []string{"symbol"}),
		bookBuffered: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketflow_book_buffered",
			Help: "Depth diffs currently buffered while not LIVE.",
		}, []string{"symbol"}),
		liveUptime: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketflow_live_uptime_pct",
			Help: "Rolling 60s live-uptime fraction per symbol.",
		}, []string{"symbol"}),
		snapshotCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketflow_snapshots_total",
			Help: "Successful REST snapshots per symbol.",
		}, []string{"symbol"}),
		subLimit: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "marketflow_subscription_limit",
			Help: "Auto-scaler subscription limit.",
		}),
		globalBackoff: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "marketflow_global_backoff_until_ms",
			Help: "Global snapshot backoff deadline (epoch ms, 0 when clear).",
		}),
	}
}

// Run polls until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.registry.ForEach(func(e *registry.SymbolEntry) {
		qs := e.Queue.GetStats()
		c.queueLength.WithLabelValues(e.Symbol).Set(float64(qs.Length))
		c.queueDropped.WithLabelValues(e.Symbol).Set(float64(qs.Dropped))

		bs := e.Book.GetStats()
		c.bookApplied.WithLabelValues(e.Symbol).Set(float64(bs.Applied))
		c.bookDesyncs.WithLabelValues(e.Symbol).Set(float64(bs.Desyncs))
		c.bookBuffered.WithLabelValues(e.Symbol).Set(float64(e.Book.BufferLen()))
	})

	for _, ms := range c.controller.MetaStatuses() {
		c.liveUptime.WithLabelValues(ms.Symbol).Set(ms.LiveUptimePct)
		c.snapshotCount.WithLabelValues(ms.Symbol).Set(float64(ms.SnapshotCount))
	}
	c.subLimit.Set(float64(c.controller.SubscriptionLimit()))
	c.globalBackoff.Set(float64(c.controller.GlobalBackoffUntil()))
}
