// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	EventsTotal         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "idexbook_events_total", Help: "Engine events emitted by kind"}, []string{"kind"})
	DiffsAppliedTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "idexbook_diffs_applied_total", Help: "L2 diffs applied by market"}, []string{"market"})
	StaleDiffsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "idexbook_stale_diffs_total", Help: "Stale L2 diffs dropped by market"}, []string{"market"})
	SequenceGapsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "idexbook_sequence_gaps_total", Help: "Sequence gaps detected by market"}, []string{"market"})
	ResyncAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "idexbook_resync_attempts_total", Help: "Snapshot load attempts by scope"}, []string{"scope"})
	WSReconnectsTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "idexbook_ws_reconnects_total", Help: "WebSocket reconnects"})
	WSConnected         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "idexbook_ws_connected", Help: "1 while the venue WebSocket is up"})
	BookSequence        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "idexbook_book_sequence", Help: "Last applied L2 sequence by market"}, []string{"market"})
	RESTLatencySeconds  = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "idexbook_rest_latency_seconds", Help: "REST request latency by endpoint", Buckets: prometheus.DefBuckets}, []string{"endpoint"})
	RESTErrorsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "idexbook_rest_errors_total", Help: "REST errors by endpoint"}, []string{"endpoint"})
	SinkErrorsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "idexbook_sink_errors_total", Help: "Redis/Kafka write errors by sink"}, []string{"sink"})
)

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		EventsTotal, DiffsAppliedTotal, StaleDiffsTotal, SequenceGapsTotal,
		ResyncAttemptsTotal, WSReconnectsTotal, WSConnected, BookSequence,
		RESTLatencySeconds, RESTErrorsTotal, SinkErrorsTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	register(reg, logger, toRegister...)
	logger.Info().Msg("prometheus metrics initialized")
	return reg
}

// register adds each collector and logs any the registry refuses.
func register(reg prometheus.Registerer, logger zerolog.Logger, cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			logger.Error().Err(err).Msg("metrics: register collector")
		}
	}
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
