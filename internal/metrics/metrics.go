// Package metrics exposes run and notification counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"catalog-sync-service/internal/model"
)

type Metrics struct {
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	platformOutcomes *prometheus.CounterVec
	itemsTotal       *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	lastRunTimestamp prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "catsync_runs_total",
			Help: "Total recorded sync runs by kind and final status",
		}, []string{"kind", "status"}),

		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catsync_run_duration_seconds",
			Help:    "Sync run wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		}, []string{"kind"}),

		platformOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "catsync_platform_outcomes_total",
			Help: "Per-platform outcomes by status",
		}, []string{"platform", "status"}),

		itemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "catsync_items_total",
			Help: "Items processed per platform by result",
		}, []string{"platform", "result"}),

		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "catsync_notifications_total",
			Help: "Notification hand-offs by channel, trigger and result",
		}, []string{"channel", "trigger", "result"}),

		lastRunTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Name: "catsync_last_run_timestamp_seconds",
			Help: "Unix time the last recorded run finished",
		}),
	}
}

func (m *Metrics) ObserveRun(run model.SyncRun, duration time.Duration) {
	m.runsTotal.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	m.runDuration.WithLabelValues(string(run.Kind)).Observe(duration.Seconds())
	if run.FinishedAt != nil {
		m.lastRunTimestamp.Set(float64(run.FinishedAt.Unix()))
	}

	for _, o := range run.Outcomes {
		m.platformOutcomes.WithLabelValues(o.PlatformID, string(o.Status)).Inc()
		if o.Counts.Succeeded > 0 {
			m.itemsTotal.WithLabelValues(o.PlatformID, "succeeded").Add(float64(o.Counts.Succeeded))
		}
		if o.Counts.Failed > 0 {
			m.itemsTotal.WithLabelValues(o.PlatformID, "failed").Add(float64(o.Counts.Failed))
		}
	}
}

func (m *Metrics) ObserveNotification(channel model.Channel, trigger model.Trigger, result string) {
	m.notifications.WithLabelValues(string(channel), string(trigger), result).Inc()
}
