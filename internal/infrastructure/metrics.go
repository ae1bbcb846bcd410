package infrastructure

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus instruments for the entitlement core.
// One instance is created at startup and shared by the services.
type Metrics struct {
	ValidationsTotal *prometheus.CounterVec
	BansTotal        prometheus.Counter
	TokensIssued     prometheus.Counter
	TokenRedemptions *prometheus.CounterVec
	AuditDropped     prometheus.Counter
	RequestDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the metric instruments on the given
// registerer. Passing prometheus.NewRegistry() keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "validations_total",
			Help:      "License validation attempts by verdict.",
		}, []string{"verdict"}),
		BansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "device_bans_total",
			Help:      "Devices added to the ban registry.",
		}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "download_tokens_issued_total",
			Help:      "Download tokens issued.",
		}),
		TokenRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "download_redemptions_total",
			Help:      "Download token redemption attempts by outcome.",
		}, []string{"outcome"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate",
			Name:      "audit_entries_dropped_total",
			Help:      "Audit entries that could not be persisted.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keygate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.ValidationsTotal,
		m.BansTotal,
		m.TokensIssued,
		m.TokenRedemptions,
		m.AuditDropped,
		m.RequestDuration,
	)
	return m
}
