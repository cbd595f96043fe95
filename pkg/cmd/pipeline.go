package cmd

import (
	"log/slog"

	"github.com/dukex/dmflow/pkg/conversation"
	"github.com/dukex/dmflow/pkg/eventbus"
	"github.com/dukex/dmflow/pkg/flow"
	"github.com/dukex/dmflow/pkg/inbound"
	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/registry"
	"github.com/dukex/dmflow/pkg/trigger"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline holds the core components every binary builds the same way.
type Pipeline struct {
	Registry  *registry.Registry
	Activator *flow.Activator
	Executor  *flow.Executor
	Matcher   *trigger.Matcher
	Processor *inbound.Processor
}

func NewPipeline(
	logger *slog.Logger,
	persistence persistence.Persistence,
	bus eventbus.EventPublisher,
	m *metrics.Metrics,
	tracer trace.Tracer,
	config flow.Config,
) *Pipeline {
	reg := NewRegistry(logger, persistence)

	activator := flow.NewActivator(logger, persistence, bus)
	executor := flow.NewExecutor(logger, persistence, reg, bus, config).
		WithTracer(tracer).
		WithMetrics(m)
	matcher := trigger.NewMatcher(logger, persistence, activator)

	processor := inbound.NewProcessor(logger, persistence, conversation.NewResolver(logger, persistence), executor, matcher, bus).
		WithTracer(tracer).
		WithMetrics(m)

	return &Pipeline{
		Registry:  reg,
		Activator: activator,
		Executor:  executor,
		Matcher:   matcher,
		Processor: processor,
	}
}
