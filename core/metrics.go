package core

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the Prometheus registry shared by every exporter of one
// engine. A private registry (instead of the package default) lets a config
// reload build a fresh engine without collector re-registration panics.
type Metrics struct {
	registry      *prometheus.Registry
	events        *prometheus.CounterVec
	formatErrors  *prometheus.CounterVec
	postingErrors *prometheus.CounterVec
	postings      *prometheus.CounterVec
	sentRecords   *prometheus.CounterVec
	buffered      *prometheus.GaugeVec
}

// ExporterMetrics are one exporter's pre-labelled counters.
type ExporterMetrics struct {
	Events        prometheus.Counter
	FormatErrors  prometheus.Counter
	PostingErrors prometheus.Counter
	Postings      prometheus.Counter
	SentRecords   prometheus.Counter
	Buffered      prometheus.Gauge
}

// NewMetrics creates the registry and counter families.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logship_events_total",
			Help: "Events accepted into the exporter buffer",
		}, []string{"exporter"}),
		formatErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logship_format_errors_total",
			Help: "Events that failed to transform into a record",
		}, []string{"exporter"}),
		postingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logship_posting_errors_total",
			Help: "Flushes that failed to deliver",
		}, []string{"exporter"}),
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logship_postings_total",
			Help: "Flushes that delivered successfully",
		}, []string{"exporter"}),
		sentRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logship_sent_records_total",
			Help: "Records delivered to the sink",
		}, []string{"exporter"}),
		buffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "logship_buffered_records",
			Help: "Records pending in the exporter buffer",
		}, []string{"exporter"}),
	}
	m.registry.MustRegister(m.events, m.formatErrors, m.postingErrors, m.postings, m.sentRecords, m.buffered)
	return m
}

// ForExporter returns the counters labelled for one exporter instance.
func (m *Metrics) ForExporter(name string) *ExporterMetrics {
	return &ExporterMetrics{
		Events:        m.events.WithLabelValues(name),
		FormatErrors:  m.formatErrors.WithLabelValues(name),
		PostingErrors: m.postingErrors.WithLabelValues(name),
		Postings:      m.postings.WithLabelValues(name),
		SentRecords:   m.sentRecords.WithLabelValues(name),
		Buffered:      m.buffered.WithLabelValues(name),
	}
}

// MetricsServer serves /metrics, /healthz and /status for one engine.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer wires the handlers; status supplies the per-exporter
// counter snapshots rendered at /status.
func NewMetricsServer(port int, metrics *Metrics, status func() map[string]StatsSnapshot) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Printf("[METRICS] failed to write health response: %v", err)
		}
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			log.Printf("[METRICS] failed to encode status: %v", err)
		}
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start runs the server in the background.
func (s *MetricsServer) Start() {
	go func() {
		log.Printf("[METRICS] serving on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[METRICS] server error: %v", err)
		}
	}()
}

// Close shuts the server down.
func (s *MetricsServer) Close() error {
	log.Printf("[METRICS] shutting down")
	return s.server.Close()
}
