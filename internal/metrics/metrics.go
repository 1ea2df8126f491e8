package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hazardbox_reports_total",
		Help: "Hazard reports by kind and outcome (created, merged)",
	}, []string{"kind", "outcome"})
	ResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardbox_resolved_total",
		Help: "Total hazards resolved locally",
	})
	ExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardbox_expired_total",
		Help: "Total hazards moved to expired by the sweeper",
	})
	ActiveHazards = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hazardbox_active_hazards",
		Help: "Active hazards in the current spatial snapshot",
	})

	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hazardbox_outbox_pending",
		Help: "Entries waiting in the outbox",
	})
	OutboxDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hazardbox_outbox_delivered_total",
		Help: "Outbox entries delivered to the remote, by op",
	}, []string{"op"})
	OutboxFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hazardbox_outbox_failures_total",
		Help: "Failed remote attempts for the outbox head, by op",
	}, []string{"op"})
	OutboxBackoffSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hazardbox_outbox_backoff_seconds",
		Help:    "Backoff delays scheduled after failed attempts",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 60},
	})

	SyncPagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardbox_sync_pages_total",
		Help: "Remote change pages applied",
	})
	SyncRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hazardbox_sync_records_total",
		Help: "Remote records seen during sync, by result (applied, discarded, invalid)",
	}, []string{"result"})
	SyncFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardbox_sync_failures_total",
		Help: "Sync runs aborted by an error",
	})

	MonitoredRegions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hazardbox_monitored_regions",
		Help: "Regions currently registered with the platform",
	})
	RegionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardbox_region_failures_total",
		Help: "Platform region registration failures",
	})
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hazardbox_alerts_total",
		Help: "Region entry decisions by result (announce, notify, suppressed, ignored, notify_failed)",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(ReportsTotal)
	prometheus.MustRegister(ResolvedTotal)
	prometheus.MustRegister(ExpiredTotal)
	prometheus.MustRegister(ActiveHazards)
	prometheus.MustRegister(OutboxPending)
	prometheus.MustRegister(OutboxDeliveredTotal)
	prometheus.MustRegister(OutboxFailuresTotal)
	prometheus.MustRegister(OutboxBackoffSeconds)
	prometheus.MustRegister(SyncPagesTotal)
	prometheus.MustRegister(SyncRecordsTotal)
	prometheus.MustRegister(SyncFailuresTotal)
	prometheus.MustRegister(MonitoredRegions)
	prometheus.MustRegister(RegionFailuresTotal)
	prometheus.MustRegister(AlertsTotal)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler { return promhttp.Handler() }
