package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics provides observability for the kiosk API.
// Tracks biometric outcomes, ledger writes and request latency.
type Metrics struct {
	RequestDuration     *prometheus.HistogramVec
	VerifyOutcomes      *prometheus.CounterVec
	EnrollOutcomes      *prometheus.CounterVec
	ActivitiesSubmitted *prometheus.CounterVec
	RosterSyncDuration  prometheus.Histogram
	RosterChanges       *prometheus.CounterVec
}

// NewMetrics creates the API metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiosk_http_request_duration_seconds",
			Help:    "Duration of API requests by route, method and status",
			Buckets: latencyBuckets,
		}, []string{"route", "method", "status"}),
		VerifyOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_verify_total",
			Help: "Verification attempts by outcome",
		}, []string{"outcome"}),
		EnrollOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_enroll_total",
			Help: "Enrollment attempts by outcome",
		}, []string{"outcome"}),
		ActivitiesSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_activities_submitted_total",
			Help: "Activity records written, by whether they were accepted",
		}, []string{"result"}),
		RosterSyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiosk_roster_sync_duration_seconds",
			Help:    "Duration of roster reconciliation passes",
			Buckets: latencyBuckets,
		}),
		RosterChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_roster_changes_total",
			Help: "Employees changed by roster reconciliation, by kind",
		}, []string{"kind"}),
	}
}

// ObserveRequest records the duration of a request.
func (m *Metrics) ObserveRequest(route, method string, status int, start time.Time) {
	m.RequestDuration.WithLabelValues(route, method, statusLabel(status)).Observe(time.Since(start).Seconds())
}

// ObserveRosterSync records a finished reconciliation pass.
func (m *Metrics) ObserveRosterSync(start time.Time, added, updated, deleted, skipped int) {
	m.RosterSyncDuration.Observe(time.Since(start).Seconds())
	m.RosterChanges.WithLabelValues("added").Add(float64(added))
	m.RosterChanges.WithLabelValues("updated").Add(float64(updated))
	m.RosterChanges.WithLabelValues("deleted").Add(float64(deleted))
	m.RosterChanges.WithLabelValues("skipped").Add(float64(skipped))
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
