// Package dispatch assembles and emits the first message of a workflow.
//
// The dispatcher is intentionally thin: it builds the routing slip from the
// runway, records the workflow as pending and publishes to the first
// activity's topic. It never validates runner availability; the worker for
// the first agent may not be running yet, in which case the message waits in
// the durable topic.
package dispatch

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/slipstream/internal/metrics"
	"github.com/BaSui01/slipstream/internal/telemetry"
	"github.com/BaSui01/slipstream/registry"
	"github.com/BaSui01/slipstream/repository"
	"github.com/BaSui01/slipstream/transport"
	"github.com/BaSui01/slipstream/types"
)

// Dispatcher accumulates activity specs on a runway and dispatches them as
// one workflow. Safe for concurrent use; DispatchWorkflow consumes the
// runway.
type Dispatcher struct {
	transport transport.Transport
	repo      repository.WorkflowRepository
	registry  *registry.AgentRegistry
	logger    *zap.Logger
	collector *metrics.Collector

	mu     sync.Mutex
	runway []types.ActivitySpec
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRepository records workflow state out-of-band for inspection and
// recovery.
func WithRepository(repo repository.WorkflowRepository) Option {
	return func(d *Dispatcher) { d.repo = repo }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.collector = c }
}

// NewDispatcher creates a dispatcher publishing over the given transport.
// The registry supplies dependency codecs for runway entries and the
// available-activity snapshot carried in the envelope.
func NewDispatcher(t transport.Transport, reg *registry.AgentRegistry, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		transport: t,
		registry:  reg,
		logger:    logger.With(zap.String("component", "dispatch")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddToRunway appends one activity to the pending workflow. When the agent is
// registered as an available activity, its declared dependency codec
// serializes deps into the spec; a nil deps value falls back to the
// registration's own dependency value.
func (d *Dispatcher) AddToRunway(agentName, prompt string, deps any) error {
	if agentName == "" {
		return fmt.Errorf("agent name must not be empty")
	}
	spec := types.NewActivitySpec(agentName, prompt)
	if reg, err := d.registry.Lookup(agentName, ""); err == nil && reg.DepsTag != "" {
		if deps == nil {
			deps = reg.Deps
		}
		blob, err := d.registry.Codecs().Encode(reg.DepsTag, deps)
		if err != nil {
			return fmt.Errorf("serialize deps for %q: %w", agentName, err)
		}
		blob.Module = reg.Module
		spec.Deps = blob
	} else if deps != nil {
		return fmt.Errorf("agent %q has no declared deps codec", agentName)
	}
	d.mu.Lock()
	d.runway = append(d.runway, spec)
	d.mu.Unlock()
	return nil
}

// RunwayLen reports the number of pending activities.
func (d *Dispatcher) RunwayLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runway)
}

// DispatchOptions carries per-dispatch settings.
type DispatchOptions struct {
	// Payload seeds the workflow payload.
	Payload map[string]any

	// OBOToken is the opaque on-behalf-of delegation token.
	OBOToken string

	// TraceID overrides trace propagation; when empty the active span's
	// trace id from ctx is used.
	TraceID string

	// Compensations are carried on the slip but never invoked by the engine.
	Compensations []types.ActivitySpec
}

// DispatchWorkflow builds the initial envelope from the runway, records the
// workflow as pending and publishes to the first activity's topic. The
// runway is consumed on success. Returns the workflow's correlation id.
func (d *Dispatcher) DispatchWorkflow(ctx context.Context, opts DispatchOptions) (string, error) {
	d.mu.Lock()
	itinerary := d.runway
	d.mu.Unlock()
	if len(itinerary) == 0 {
		return "", types.NewError(types.ErrEmptyWorkflow, "runway is empty")
	}

	correlationID := uuid.NewString()
	runID := uuid.NewString()

	slip := types.NewRoutingSlip(itinerary)
	if len(opts.Compensations) > 0 {
		slip.Compensations = append(slip.Compensations, opts.Compensations...)
	}

	msg := types.NewMessage(correlationID, runID, slip)
	if opts.Payload != nil {
		maps.Copy(msg.Payload, opts.Payload)
	}
	msg.OBOToken = opts.OBOToken
	msg.TraceID = opts.TraceID
	if msg.TraceID == "" {
		msg.TraceID = telemetry.TraceIDFromContext(ctx)
	}
	snapshot, err := d.registry.Snapshot()
	if err != nil {
		return "", fmt.Errorf("build activity registry snapshot: %w", err)
	}
	if len(snapshot) > 0 {
		msg.ActivityRegistry = snapshot
	}

	if d.repo != nil {
		rec := &repository.WorkflowRecord{
			CorrelationID: correlationID,
			Status:        repository.WorkflowPending,
			Snapshot:      repository.Snapshot(msg),
		}
		if err := d.repo.RecordWorkflow(ctx, rec); err != nil {
			d.logger.Warn("record workflow failed",
				zap.String("correlation_id", correlationID), zap.Error(err))
		}
	}

	topic := itinerary[0].AgentName
	if err := d.transport.Publish(ctx, topic, msg); err != nil {
		return "", fmt.Errorf("publish workflow to %q: %w", topic, err)
	}

	d.mu.Lock()
	d.runway = nil
	d.mu.Unlock()

	d.collector.WorkflowDispatched()
	d.logger.Info("workflow dispatched",
		zap.String("correlation_id", correlationID),
		zap.String("run_id", runID),
		zap.String("agent_name", topic),
		zap.Int("steps", len(itinerary)))
	return correlationID, nil
}
