package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/risk-stream/logger"
)

// Drop reasons used as the "reason" label of riskstream_messages_dropped_total.
const (
	ReasonDecode   = "decode"
	ReasonSchema   = "schema"
	ReasonRejected = "queue_rejected"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	received      prometheus.Counter
	dropped       *prometheus.CounterVec
	scored        *prometheus.CounterVec
	flushes       prometheus.Counter
	flushFailures *prometheus.CounterVec
	flushedRows   prometheus.Counter
	queueLength   prometheus.Gauge
	batchLength   prometheus.Gauge
	flushLatency  prometheus.Histogram
	scoreLatency  prometheus.Histogram
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskstream_messages_received_total",
			Help: "Broker messages decoded and accepted into the queue.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskstream_messages_dropped_total",
			Help: "Messages discarded before scoring, by reason.",
		}, []string{"reason"}),
		scored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskstream_records_scored_total",
			Help: "Records scored, by outcome (ok or sentinel).",
		}, []string{"outcome"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskstream_flushes_total",
			Help: "Batches durably written to the local file.",
		}),
		flushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskstream_flush_failures_total",
			Help: "Persistence failures, by stage (local, remote, mirror).",
		}, []string{"stage"}),
		flushedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskstream_flushed_rows_total",
			Help: "Scored rows written to the local file.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskstream_queue_length",
			Help: "Messages buffered between the subscriber and the processor.",
		}),
		batchLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskstream_batch_length",
			Help: "Scored records waiting in the current batch.",
		}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskstream_flush_duration_seconds",
			Help:    "Time spent persisting one batch, upload included.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		scoreLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskstream_score_duration_seconds",
			Help:    "Time spent scoring one record.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}

	reg.MustRegister(
		m.received, m.dropped, m.scored, m.flushes, m.flushFailures,
		m.flushedRows, m.queueLength, m.batchLength, m.flushLatency, m.scoreLatency,
	)
	return m
}

func (m *Metrics) Received() {
	if m == nil {
		return
	}
	m.received.Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Scored records one scoring outcome and its latency
func (m *Metrics) Scored(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "sentinel"
	}
	m.scored.WithLabelValues(outcome).Inc()
	m.scoreLatency.Observe(d.Seconds())
}

// Flushed records one successful local write of rows records
func (m *Metrics) Flushed(rows int, d time.Duration) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.flushedRows.Add(float64(rows))
	m.flushLatency.Observe(d.Seconds())
}

func (m *Metrics) FlushFailed(stage string) {
	if m == nil {
		return
	}
	m.flushFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) SetBatchLength(n int) {
	if m == nil {
		return
	}
	m.batchLength.Set(float64(n))
}

// Server exposes a gatherer on /metrics
type Server struct {
	srv *http.Server
}

// Serve starts listening on addr in the background
func Serve(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	s := &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}

	go func() {
		logger.Info("metrics listening on %s", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped: %v", err)
		}
	}()
	return s
}

// Shutdown stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
