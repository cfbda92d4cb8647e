// Package executor runs the per-agent worker loop: subscribe to the agent's
// topic, execute the head activity of each delivered envelope, record the
// step lifecycle, and forward or terminate the workflow.
//
// A single executor processes one message at a time, which preserves
// per-workflow serialization within its agent. Multiple executor processes
// on the same agent form a competing-consumer group; because at most one
// message per workflow is live in the system at any instant, no additional
// locking is needed.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/slipstream/internal/metrics"
	"github.com/BaSui01/slipstream/registry"
	"github.com/BaSui01/slipstream/repository"
	"github.com/BaSui01/slipstream/transport"
	"github.com/BaSui01/slipstream/types"
)

// outputRefLimit caps the inline output reference stored with step records.
const outputRefLimit = 1024

// Options configures one executor.
type Options struct {
	// AgentName is the agent this worker executes; its topic verbatim.
	AgentName string

	// ModuleHint narrows registry lookup to one module. Optional.
	ModuleHint string

	// Retry controls per-step retry and backoff.
	Retry RetryConfig

	// MaxInsertions is the default itinerary-insertion bound for agents that
	// do not declare their own.
	MaxInsertions int
}

// Executor is the long-running worker loop for one agent.
type Executor struct {
	transport transport.Transport
	registry  *registry.AgentRegistry
	repo      repository.WorkflowRepository
	logger    *zap.Logger
	collector *metrics.Collector
	opts      Options
}

// Option configures an Executor.
type Option func(*Executor)

// WithRepository records step lifecycle out-of-band. Repository failures are
// logged and never fail a message.
func WithRepository(repo repository.WorkflowRepository) Option {
	return func(e *Executor) { e.repo = repo }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Executor) { e.collector = c }
}

// New creates an executor for opts.AgentName.
func New(t transport.Transport, reg *registry.AgentRegistry, opts Options, logger *zap.Logger, extra ...Option) (*Executor, error) {
	if opts.AgentName == "" {
		return nil, types.NewError(types.ErrUnknownAgent, "agent name must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Retry = opts.Retry.withDefaults()
	if opts.MaxInsertions <= 0 {
		opts.MaxInsertions = types.DefaultMaxInsertions
	}
	e := &Executor{
		transport: t,
		registry:  reg,
		logger: logger.With(
			zap.String("component", "executor"),
			zap.String("agent_name", opts.AgentName)),
		opts: opts,
	}
	for _, opt := range extra {
		opt(e)
	}
	return e, nil
}

// Run resolves the agent's runner, subscribes to its topic and processes
// deliveries until ctx is cancelled or the transport disconnects. A message
// already in flight when ctx is cancelled finishes, is forwarded or retried
// according to its result, and is acknowledged before Run returns.
//
// An unresolvable agent terminates the worker, not any workflow.
func (e *Executor) Run(ctx context.Context) error {
	reg, err := e.registry.Lookup(e.opts.AgentName, e.opts.ModuleHint)
	if err != nil {
		return err
	}
	if err := e.transport.Connect(ctx); err != nil {
		return err
	}
	deliveries, err := e.transport.Subscribe(ctx, e.opts.AgentName)
	if err != nil {
		return err
	}
	e.logger.Info("worker started")
	for d := range deliveries {
		// The in-flight step must finish even during shutdown; its acks and
		// forwards use a context detached from cancellation.
		e.handle(context.WithoutCancel(ctx), reg, d)
	}
	e.logger.Info("worker stopped")
	return ctx.Err()
}

func (e *Executor) handle(ctx context.Context, reg *registry.Registration, d transport.Delivery) {
	if d.Err != nil || d.Message == nil {
		// Poison message: never nack, never block the topic.
		e.logger.Error("dropping malformed delivery",
			zap.String("tag", d.Tag), zap.Error(d.Err))
		e.ack(ctx, d.Tag)
		return
	}
	msg := d.Message
	log := e.logger.With(
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("run_id", msg.RunID),
		zap.String("trace_id", msg.TraceID),
		zap.Int("attempt", msg.Attempt))

	head := msg.RoutingSlip.NextStep()
	if head == nil || head.AgentName != e.opts.AgentName {
		log.Warn("dropping misrouted message",
			zap.String("head_agent", headAgent(head)))
		e.ack(ctx, d.Tag)
		return
	}

	key := repository.StepKey{
		CorrelationID: msg.CorrelationID,
		AgentName:     e.opts.AgentName,
		RunID:         msg.RunID,
	}
	e.recordStarted(ctx, key, msg, log)
	log.Info("step started")

	deps, err := e.registry.Codecs().Decode(head.Deps)
	if err != nil {
		// Dependency reconstruction failure is permanent by design.
		e.failStep(ctx, d.Tag, key, msg, err, false, log)
		return
	}

	rc := e.buildRunContext(msg, head, reg, deps, log)
	startedAt := types.Now()
	output, runErr := reg.Runner.Run(ctx, rc)
	finishedAt := types.Now()
	elapsed := finishedAt.Sub(startedAt.Time)

	if runErr != nil {
		e.collector.StepObserved(e.opts.AgentName, string(repository.StepFailed), elapsed)
		e.failStep(ctx, d.Tag, key, msg, runErr, types.IsRetryable(runErr), log)
		return
	}
	e.collector.StepObserved(e.opts.AgentName, string(repository.StepCompleted), elapsed)

	outputRef := refFromOutput(output)
	e.recordCompleted(ctx, key, msg.Attempt, outputRef, log)

	next, err := msg.Advance(types.StepResult{
		Output:     output,
		OutputRef:  outputRef,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	})
	if err != nil {
		log.Error("advance failed", zap.Error(err))
		e.ack(ctx, d.Tag)
		return
	}

	if next.RoutingSlip.IsFinished() {
		e.finishWorkflow(ctx, next, repository.WorkflowCompleted, log)
		e.ack(ctx, d.Tag)
		log.Info("workflow completed",
			zap.Int("executed", len(next.RoutingSlip.Executed)))
		return
	}

	nextTopic := next.RoutingSlip.Itinerary[0].AgentName
	if err := e.transport.Publish(ctx, nextTopic, next); err != nil {
		// The forward did not happen, so the step is not done from the
		// transport's point of view. Requeue and let at-least-once delivery
		// re-run the step; the idempotent step record absorbs the duplicate.
		log.Error("forward failed, requeueing",
			zap.String("next_agent", nextTopic), zap.Error(err))
		e.nack(ctx, d.Tag)
		return
	}
	e.ack(ctx, d.Tag)
	log.Info("step completed",
		zap.String("next_agent", nextTopic),
		zap.Duration("elapsed", elapsed))
}

// failStep applies the failure policy: retry with backoff while attempts
// remain for retryable errors, otherwise terminate the workflow as failed.
func (e *Executor) failStep(ctx context.Context, tag string, key repository.StepKey, msg *types.Message, cause error, retryable bool, log *zap.Logger) {
	attempt := msg.Attempt + 1
	e.recordFailed(ctx, key, attempt, cause, log)

	if retryable && attempt < e.opts.Retry.MaxAttempts {
		delay := e.opts.Retry.Backoff(msg.Attempt)
		log.Warn("step failed, retrying",
			zap.Error(cause),
			zap.Int("next_attempt", attempt),
			zap.Duration("backoff", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		clone := msg.RetryClone()
		if err := e.transport.Publish(ctx, e.opts.AgentName, clone); err != nil {
			log.Error("retry publish failed, requeueing original", zap.Error(err))
			e.nack(ctx, tag)
			return
		}
		e.collector.RetryPublished(e.opts.AgentName)
		e.ack(ctx, tag)
		return
	}

	log.Error("step failed terminally",
		zap.Error(cause),
		zap.Int("attempt", attempt),
		zap.Bool("retryable", retryable))
	e.finishWorkflow(ctx, msg, repository.WorkflowFailed, log)
	e.ack(ctx, tag)
}

func (e *Executor) buildRunContext(msg *types.Message, head *types.ActivitySpec, reg *registry.Registration, deps any, log *zap.Logger) *registry.RunContext {
	rc := &registry.RunContext{
		CorrelationID: msg.CorrelationID,
		RunID:         msg.RunID,
		TraceID:       msg.TraceID,
		Prompt:        head.Prompt,
		Deps:          deps,
		OBOToken:      msg.OBOToken,
	}
	if head.ExpectsPreviousOutput {
		if prev, ok := msg.PreviousOutputValue(); ok {
			rc.PreviousOutput = prev
		}
	}
	if !reg.CanEditItinerary {
		return rc
	}
	bound := reg.MaxInsertions
	if bound == 0 {
		bound = e.opts.MaxInsertions
	} else if bound < 0 {
		bound = 0
	}
	rc.EditItinerary = func(insertions []registry.Insertion) error {
		steps := make([]types.ActivitySpec, 0, len(insertions))
		for _, ins := range insertions {
			spec := types.NewActivitySpec(ins.AgentName, ins.Prompt)
			if snap, ok := msg.ActivityRegistry[ins.AgentName]; ok {
				spec.Deps = snap.Deps
			}
			steps = append(steps, spec)
		}
		if err := msg.InsertSteps(steps, bound); err != nil {
			log.Warn("itinerary edit rejected", zap.Error(err))
			return err
		}
		e.collector.StepsInserted(len(steps))
		log.Info("itinerary edited",
			zap.Int("inserted", len(steps)),
			zap.Int("inserted_count", msg.RoutingSlip.InsertedCount))
		return nil
	}
	return rc
}

func (e *Executor) finishWorkflow(ctx context.Context, msg *types.Message, status repository.WorkflowStatus, log *zap.Logger) {
	e.collector.WorkflowFinished(string(status))
	if e.repo == nil {
		return
	}
	if err := e.repo.UpdateWorkflowStatus(ctx, msg.CorrelationID, status, repository.Snapshot(msg)); err != nil {
		log.Warn("update workflow status failed",
			zap.String("status", string(status)), zap.Error(err))
	}
}

func (e *Executor) recordStarted(ctx context.Context, key repository.StepKey, msg *types.Message, log *zap.Logger) {
	if e.repo == nil {
		return
	}
	if err := e.repo.RecordStepStarted(ctx, key, msg.Attempt, repository.Snapshot(msg)); err != nil {
		log.Warn("record step started failed", zap.Error(err))
	}
}

func (e *Executor) recordCompleted(ctx context.Context, key repository.StepKey, attempt int, outputRef string, log *zap.Logger) {
	if e.repo == nil {
		return
	}
	if err := e.repo.RecordStepCompleted(ctx, key, attempt, outputRef); err != nil {
		log.Warn("record step completed failed", zap.Error(err))
	}
}

func (e *Executor) recordFailed(ctx context.Context, key repository.StepKey, attempt int, cause error, log *zap.Logger) {
	if e.repo == nil {
		return
	}
	if err := e.repo.RecordStepFailed(ctx, key, attempt, cause.Error()); err != nil {
		log.Warn("record step failed failed", zap.Error(err))
	}
}

func (e *Executor) ack(ctx context.Context, tag string) {
	if err := e.transport.Ack(ctx, tag); err != nil {
		e.logger.Warn("ack failed", zap.String("tag", tag), zap.Error(err))
	}
}

func (e *Executor) nack(ctx context.Context, tag string) {
	if err := e.transport.Nack(ctx, tag, true); err != nil {
		e.logger.Warn("nack failed", zap.String("tag", tag), zap.Error(err))
	}
}

func headAgent(head *types.ActivitySpec) string {
	if head == nil {
		return ""
	}
	return head.AgentName
}

// refFromOutput renders a compact inline reference to a step output for the
// step record. Large outputs are truncated; the full value travels in the
// envelope payload.
func refFromOutput(output any) string {
	if output == nil {
		return ""
	}
	data, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	if len(data) > outputRefLimit {
		data = data[:outputRefLimit]
	}
	return string(data)
}
