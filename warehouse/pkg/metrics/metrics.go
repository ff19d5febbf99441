package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fooddw"

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information of the warehouse engine",
	}, []string{"version", "commit", "date"})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_total",
		Help:      "Batches that reached a final or failed state, by state",
	}, []string{"state"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of batch pipeline steps",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"step", "status"})

	StepRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_retries_total",
		Help:      "Step attempts retried after a store timeout",
	}, []string{"step"})

	QuarantinedRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quarantined_rows_total",
		Help:      "Rows rejected into quarantine, by entity type and reason",
	}, []string{"entity", "reason"})

	DimensionChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dimension_changes_total",
		Help:      "Classified dimension records, by entity type and change kind",
	}, []string{"entity", "kind"})

	FactsBuiltTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "facts_built_total",
		Help:      "Fact rows written, by transaction type",
	}, []string{"entity"})

	UnresolvedReferencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unresolved_references_total",
		Help:      "Fact references bound to the unknown sentinel, by dimension",
	}, []string{"dimension"})

	ExportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "export_duration_seconds",
		Help:      "Duration of batch exports to ClickHouse",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served by the control surface",
	}, []string{"method", "route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency of the control surface",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func RecordStep(step string, duration time.Duration, err error) {
	StepDuration.WithLabelValues(step, status(err)).Observe(duration.Seconds())
}

func RecordExport(duration time.Duration, err error) {
	ExportDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
}

// RecordHTTPRequest is used by the server middleware. Route is the chi route pattern so that
// path parameters do not explode label cardinality.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	if code == 0 {
		code = http.StatusOK
	}
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
