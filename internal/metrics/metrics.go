// Package metrics exposes PacketMind's Prometheus collectors on a private
// registry. All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packetmind/packetmind/internal/txn"
)

const namespace = "packetmind"

// Metrics holds all Prometheus metrics for the capture pipeline and its
// readers.
type Metrics struct {
	transactionsTotal *prometheus.CounterVec
	completedTotal    *prometheus.CounterVec
	ingestRejected    prometheus.Counter
	txnDuration       prometheus.Histogram
	responseBytes     prometheus.Counter
	captureRunning    prometheus.Gauge
	analysisTotal     *prometheus.CounterVec
	analysisDuration  *prometheus.HistogramVec
	alertsTotal       *prometheus.CounterVec
	configReloads     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		transactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions ingested, by method and whether a filter matched.",
		}, []string{"method", "filtered"}),

		completedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_completed_total",
			Help:      "Transactions whose response was observed, by status class.",
		}, []string{"class"}),

		ingestRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejected_total",
			Help:      "Capture events rejected because capture was stopped.",
		}),

		txnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Observed request/response duration.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		responseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_bytes_total",
			Help:      "Response body bytes relayed to proxy clients.",
		}),

		captureRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_running",
			Help:      "1 while the capture proxy is accepting traffic.",
		}),

		analysisTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_requests_total",
			Help:      "Analysis gateway calls, by operation and outcome.",
		}, []string{"op", "outcome"}),

		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Analysis engine call latency.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),

		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert deliveries, by channel and outcome.",
		}, []string{"channel", "outcome"}),

		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Config hot reloads, by outcome.",
		}, []string{"outcome"}),

		registry: reg,
	}

	reg.MustRegister(
		m.transactionsTotal,
		m.completedTotal,
		m.ingestRejected,
		m.txnDuration,
		m.responseBytes,
		m.captureRunning,
		m.analysisTotal,
		m.analysisDuration,
		m.alertsTotal,
		m.configReloads,
	)

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackStore registers gauges read from the store at scrape time.
func (m *Metrics) TrackStore(store *txn.Store) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_transactions",
			Help:      "Transactions currently held in the store.",
		}, func() float64 { return float64(store.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_filtered_transactions",
			Help:      "Held transactions tagged filtered.",
		}, func() float64 { return float64(store.Stats().Filtered) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_subscribers",
			Help:      "Live store subscribers.",
		}, func() float64 { return float64(store.SubscriberCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_subscribers_dropped_total",
			Help:      "Subscribers dropped for falling behind.",
		}, func() float64 { return float64(store.DroppedSubscribers()) }),
	)
}

// TrackFilters registers a gauge for the number of active filter patterns.
func (m *Metrics) TrackFilters(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "filter_patterns",
		Help:      "Active filter patterns.",
	}, func() float64 { return float64(count()) }))
}

// ObserveIngest records a newly stored transaction.
func (m *Metrics) ObserveIngest(t txn.Transaction) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(t.Method, strconv.FormatBool(t.Tags.Has(txn.TagFiltered))).Inc()
}

// ObserveComplete records a response observed for a transaction.
func (m *Metrics) ObserveComplete(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.completedTotal.WithLabelValues(statusClass(status)).Inc()
	m.txnDuration.Observe(d.Seconds())
}

// ObserveResponseBytes adds relayed response body bytes.
func (m *Metrics) ObserveResponseBytes(n int64) {
	if m == nil {
		return
	}
	m.responseBytes.Add(float64(n))
}

// RecordIngestRejected counts an event refused while capture was stopped.
func (m *Metrics) RecordIngestRejected() {
	if m == nil {
		return
	}
	m.ingestRejected.Inc()
}

// SetCaptureRunning flips the capture_running gauge.
func (m *Metrics) SetCaptureRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.captureRunning.Set(1)
	} else {
		m.captureRunning.Set(0)
	}
}

// ObserveAnalysis records one analysis gateway call.
func (m *Metrics) ObserveAnalysis(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.analysisTotal.WithLabelValues(op, outcome(err)).Inc()
	m.analysisDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordAlert records one alert delivery attempt.
func (m *Metrics) RecordAlert(channel string, err error) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(channel, outcome(err)).Inc()
}

// RecordConfigReload records a config hot reload.
func (m *Metrics) RecordConfigReload(err error) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
