// Package metrics exposes Prometheus counters for ledger activity.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "brewpoints"

// Metrics owns a private registry. All record methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	visits         *prometheus.CounterVec
	pointsEarned   *prometheus.CounterVec
	pointsRedeemed prometheus.Counter
	redemptions    *prometheus.CounterVec
	otpIssued      *prometheus.CounterVec
	claims         *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDurations  *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		visits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "visits_total",
			Help: "Visits logged, by source.",
		}, []string{"source"}),
		pointsEarned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "points_earned_total",
			Help: "Points credited by visits.",
		}, []string{"multiplier"}),
		pointsRedeemed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "points_redeemed_total",
			Help: "Points debited by verified redemptions.",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "redemptions_total",
			Help: "Redemption attempts by stage and result.",
		}, []string{"stage", "result"}),
		otpIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "otp_issued_total",
			Help: "One-time codes issued, by purpose.",
		}, []string{"purpose"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total",
			Help: "Claim transitions, by resulting status.",
		}, []string{"status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total",
			Help: "Job runs, by job and result.",
		}, []string{"job", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests, by method and status.",
		}, []string{"method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.visits, m.pointsEarned, m.pointsRedeemed, m.redemptions,
		m.otpIssued, m.claims, m.jobs, m.httpRequests, m.httpDurations,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) VisitLogged(source string, points int64, multiplier bool) {
	if m == nil {
		return
	}
	m.visits.WithLabelValues(source).Inc()
	m.pointsEarned.WithLabelValues(strconv.FormatBool(multiplier)).Add(float64(points))
}

func (m *Metrics) Redemption(stage, result string, points int64) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(stage, result).Inc()
	if stage == "verify" && result == "ok" {
		m.pointsRedeemed.Add(float64(points))
	}
}

func (m *Metrics) OTPIssued(purpose string) {
	if m == nil {
		return
	}
	m.otpIssued.WithLabelValues(purpose).Inc()
}

func (m *Metrics) ClaimTransition(status string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(status).Inc()
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobs.WithLabelValues(job, result).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(method).Observe(d.Seconds())
}
