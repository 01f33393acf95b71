// Package metrics exports pipeline trace records as Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/demandflow/internal/trace"
)

const namespace = "demandflow"

// Sink is a trace.Sink that counts protocol transitions per stage.
type Sink struct {
	registry *prometheus.Registry

	DemandRequested   *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	Cancellations     *prometheus.CounterVec
	StageTerminations *prometheus.CounterVec
	Ticks             *prometheus.CounterVec
}

// New creates a Sink registered on its own registry.
func New() *Sink {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a Sink and registers its collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Sink {
	s := &Sink{
		registry: reg,
		DemandRequested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "demand_requested_total",
				Help:      "Total demand asked by a consumer stage",
			},
			[]string{"stage"},
		),
		EventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dispatched_total",
				Help:      "Total events sent by a producer stage",
			},
			[]string{"stage"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total events discarded by a stage",
			},
			[]string{"stage"},
		),
		Cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cancellations_total",
				Help:      "Total subscriptions cancelled by a producer stage",
			},
			[]string{"stage"},
		),
		StageTerminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_terminations_total",
				Help:      "Total stage terminations",
			},
			[]string{"stage"},
		),
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total scheduled ticks handled by a stage",
			},
			[]string{"stage"},
		),
	}
	reg.MustRegister(
		s.DemandRequested,
		s.EventsDispatched,
		s.EventsDropped,
		s.Cancellations,
		s.StageTerminations,
		s.Ticks,
	)
	return s
}

// Record implements trace.Sink.
func (s *Sink) Record(r trace.Record) {
	switch r.Kind {
	case trace.KindAsk:
		s.DemandRequested.WithLabelValues(r.Stage).Add(float64(r.Count))
	case trace.KindEvents:
		s.EventsDispatched.WithLabelValues(r.Stage).Add(float64(r.Count))
	case trace.KindDrop:
		s.EventsDropped.WithLabelValues(r.Stage).Add(float64(r.Count))
	case trace.KindCancel:
		s.Cancellations.WithLabelValues(r.Stage).Inc()
	case trace.KindTerminate:
		s.StageTerminations.WithLabelValues(r.Stage).Inc()
	case trace.KindTick:
		s.Ticks.WithLabelValues(r.Stage).Inc()
	}
}

// Registry returns the registry the collectors live on.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format, with a
// /health endpoint alongside /metrics.
func (s *Sink) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}
