package metricsx

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ledgerAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Events appended to the ledger by action.",
		},
		[]string{"action"},
	)
	gpsWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gps_verification_warnings_total",
			Help: "GPS verification warnings attached to submissions.",
		},
		[]string{"warning"},
	)
	transitionConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transition_conflicts_total",
			Help: "Status transitions rejected because another submission won.",
		},
		[]string{"to"},
	)
	storageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_failures_total",
			Help: "Storage collaborator failures by operation.",
		},
		[]string{"op"},
	)
	reportQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_batch_queries_total",
			Help: "Batch reads issued by the report engine.",
		},
		[]string{"query"},
	)
	reportLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "report_summary_duration_seconds",
			Help:    "Time to build a performance summary.",
			Buckets: prometheus.DefBuckets,
		},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox dispatch results.",
		},
		[]string{"result"},
	)
	outboxBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_backlog",
			Help: "Outbox rows by status.",
		},
		[]string{"status"},
	)
	kafkaLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic and group.",
		},
		[]string{"topic", "group"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests,
		httpLatency,
		ledgerAppends,
		gpsWarnings,
		transitionConflicts,
		storageFailures,
		reportQueries,
		reportLatency,
		influxWriteFailures,
		outboxPublished,
		outboxBacklog,
		kafkaLag,
		asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := RouteLabel(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

// RouteLabel replaces id-like path segments with ":id" to keep label
// cardinality bounded.
func RouteLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = ":id"
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func IncLedgerAppend(action string) {
	ledgerAppends.WithLabelValues(action).Inc()
}

func IncGPSWarning(warning string) {
	gpsWarnings.WithLabelValues(warning).Inc()
}

func IncTransitionConflict(to string) {
	transitionConflicts.WithLabelValues(to).Inc()
}

func IncStorageFailure(op string) {
	storageFailures.WithLabelValues(op).Inc()
}

func IncReportQuery(query string) {
	reportQueries.WithLabelValues(query).Inc()
}

func ObserveReportLatency(d time.Duration) {
	reportLatency.Observe(d.Seconds())
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncOutbox(result string) {
	outboxPublished.WithLabelValues(result).Inc()
}

func SetOutboxBacklog(status string, n int) {
	outboxBacklog.WithLabelValues(status).Set(float64(n))
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
