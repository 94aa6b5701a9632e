package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Ingest outcome label values.
const (
	OutcomeAccepted     = "accepted"
	OutcomeUnauthorized = "unauthorized"
	OutcomeBadRequest   = "bad_request"
	OutcomeInvalid      = "invalid"
	OutcomeUnencodable  = "unencodable"
	OutcomeStorageError = "storage_error"
	OutcomeCancelled    = "cancelled"
)

var (
	TotalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_active",
			Help: "Number of HTTP requests being served",
		},
	)

	IngestRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Ingest requests by outcome",
		},
		[]string{"outcome"},
	)

	RowsAttempted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rows_attempted_total",
			Help: "Rows submitted to storage, including rows skipped as duplicates",
		},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(TotalRequests)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ActiveRequests)
	prometheus.MustRegister(IngestRequests)
	prometheus.MustRegister(RowsAttempted)
}

func RecordIngest(outcome string) {
	IngestRequests.WithLabelValues(outcome).Inc()
}

func RecordRows(hostRows, processRows int) {
	RowsAttempted.WithLabelValues("host_metrics").Add(float64(hostRows))
	RowsAttempted.WithLabelValues("process_metrics").Add(float64(processRows))
}

// MetricsMiddleware labels requests by route template rather than raw path
// to keep label cardinality bounded.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeTemplate(r)

		ActiveRequests.Inc()
		defer ActiveRequests.Dec()

		rw := NewStatusRecorder(w)
		next.ServeHTTP(rw, r)

		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		TotalRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.Status)).Inc()
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// StatusRecorder remembers the status code written through it.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (rw *StatusRecorder) WriteHeader(code int) {
	rw.Status = code
	rw.ResponseWriter.WriteHeader(code)
}
