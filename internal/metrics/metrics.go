// Package metrics exposes the mcav_* Prometheus metric family served on
// the health/metrics listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcav_uptime_seconds",
		Help: "Server uptime in seconds",
	})

	ConnectedDJs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcav_connected_djs",
		Help: "Number of currently connected DJs",
	})

	ConnectedBrowsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcav_connected_browsers",
		Help: "Number of currently connected browser clients",
	})

	FramesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcav_frames_processed_total",
		Help: "Total audio frames processed",
	})

	FramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcav_frames_dropped_total",
		Help: "Audio frames dropped by per-DJ rate limiting",
	})

	PatternChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcav_pattern_changes_total",
		Help: "Total pattern changes",
	})

	DJConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcav_dj_connections_total",
		Help: "Total DJ connections since start",
	})

	DJDisconnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcav_dj_disconnections_total",
		Help: "Total DJ disconnections since start",
	})

	BrowserConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcav_browser_connections_total",
		Help: "Total browser client connections since start",
	})

	BrowserDisconnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcav_browser_disconnections_total",
		Help: "Total browser client disconnections since start",
	})

	MCReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcav_minecraft_reconnects_total",
		Help: "Total renderer reconnections since start",
	})

	CurrentBPM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcav_current_bpm",
		Help: "Current BPM from the active DJ",
	})

	ActivePattern = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcav_active_pattern",
		Help: "Currently active visualization pattern",
	}, []string{"pattern"})
)

// SetActivePattern flips the mcav_active_pattern one-hot gauge to name.
func SetActivePattern(name string) {
	ActivePattern.Reset()
	ActivePattern.WithLabelValues(name).Set(1)
}
