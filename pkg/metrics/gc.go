package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GCMetrics counts garbage-collection activity. All observer methods
// are nil-safe so callers can hold a nil *GCMetrics when metrics are
// disabled.
type GCMetrics struct {
	passes         *prometheus.CounterVec
	backgroundRuns prometheus.Counter
	blocksMoved    *prometheus.CounterVec
	sectionsFreed  prometheus.Counter
	noVictim       prometheus.Counter
	workerSleep    prometheus.Gauge
}

// NewGCMetrics creates the GC collectors, or returns nil when metrics
// are not enabled.
func NewGCMetrics() *GCMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &GCMetrics{
		passes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "logfs_gc_passes_total",
				Help: "GC passes by mode (fg, bg)",
			},
			[]string{"mode"},
		),
		backgroundRuns: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "logfs_gc_background_runs_total",
				Help: "Background GC invocations from the pacing worker",
			},
		),
		blocksMoved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "logfs_gc_blocks_moved_total",
				Help: "Blocks relocated by segment kind and GC mode",
			},
			[]string{"kind", "mode"},
		),
		sectionsFreed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "logfs_gc_sections_freed_total",
				Help: "Sections fully reclaimed by foreground GC",
			},
		),
		noVictim: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "logfs_gc_no_victim_total",
				Help: "GC calls that found no victim section",
			},
		),
		workerSleep: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "logfs_gc_worker_sleep_seconds",
				Help: "Current pacing-worker sleep interval",
			},
		),
	}
}

// Pass records one GC call in the given mode.
func (g *GCMetrics) Pass(mode string) {
	if g == nil {
		return
	}
	g.passes.WithLabelValues(mode).Inc()
}

// BackgroundPass records one worker-triggered background run.
func (g *GCMetrics) BackgroundPass() {
	if g == nil {
		return
	}
	g.backgroundRuns.Inc()
}

// NodeBlock records one relocated node block.
func (g *GCMetrics) NodeBlock(mode string) {
	if g == nil {
		return
	}
	g.blocksMoved.WithLabelValues("node", mode).Inc()
}

// DataBlock records one relocated data block.
func (g *GCMetrics) DataBlock(mode string) {
	if g == nil {
		return
	}
	g.blocksMoved.WithLabelValues("data", mode).Inc()
}

// SectionFreed records one fully reclaimed section.
func (g *GCMetrics) SectionFreed() {
	if g == nil {
		return
	}
	g.sectionsFreed.Inc()
}

// NoVictim records a selection pass that found nothing.
func (g *GCMetrics) NoVictim() {
	if g == nil {
		return
	}
	g.noVictim.Inc()
}

// WorkerSleep publishes the worker's current pause.
func (g *GCMetrics) WorkerSleep(d time.Duration) {
	if g == nil {
		return
	}
	g.workerSleep.Set(d.Seconds())
}
