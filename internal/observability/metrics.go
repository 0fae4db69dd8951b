// Package observability exposes the runtime's Prometheus metrics and an
// instrumented event store decorator that feeds them.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/eventstore"
)

// Metrics holds every collector the runtime reports.
type Metrics struct {
	EventsAppended  *prometheus.CounterVec
	AppendFailures  prometheus.Counter
	ActiveSessions  prometheus.Gauge
	TurnsCompleted  prometheus.Counter
	ToolExecutions  *prometheus.CounterVec
	ProviderRetries prometheus.Counter
	HooksBlocked    prometheus.Counter
}

// NewMetrics creates and registers the collectors. reg may be nil to use the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_events_appended_total",
			Help: "Durable events appended, by event type.",
		}, []string{"type"}),
		AppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_append_failures_total",
			Help: "Event appends rejected by the store.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronicle_active_sessions",
			Help: "Sessions currently held in memory.",
		}),
		TurnsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_turns_completed_total",
			Help: "Provider turns brought to a durable end.",
		}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_tool_executions_total",
			Help: "Tool executions, by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ProviderRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_provider_retries_total",
			Help: "Provider stream attempts that were retried.",
		}),
		HooksBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_hooks_blocked_total",
			Help: "Gated steps blocked by a hook.",
		}),
	}
	reg.MustRegister(
		m.EventsAppended, m.AppendFailures, m.ActiveSessions,
		m.TurnsCompleted, m.ToolExecutions, m.ProviderRetries, m.HooksBlocked,
	)
	return m
}

// ObserveEphemeral counts the stream events that carry a metric signal.
func (m *Metrics) ObserveEphemeral(ev *events.Ephemeral) {
	switch ev.Type {
	case events.EphemeralTurnComplete:
		m.TurnsCompleted.Inc()
	case events.EphemeralRetry:
		m.ProviderRetries.Inc()
	case events.EphemeralToolExecEnd:
		outcome := "ok"
		if !ev.Success {
			outcome = "error"
		}
		m.ToolExecutions.WithLabelValues(ev.ToolName, outcome).Inc()
	}
}

// instrumentedStore counts appends without changing store semantics.
type instrumentedStore struct {
	eventstore.Store
	metrics *Metrics
}

// InstrumentStore wraps a store so every append lands in the counters.
func InstrumentStore(store eventstore.Store, metrics *Metrics) eventstore.Store {
	return &instrumentedStore{Store: store, metrics: metrics}
}

func (s *instrumentedStore) Append(ctx context.Context, req eventstore.AppendRequest) (*events.Event, error) {
	ev, err := s.Store.Append(ctx, req)
	if err != nil {
		s.metrics.AppendFailures.Inc()
		return nil, err
	}
	s.metrics.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	return ev, nil
}
