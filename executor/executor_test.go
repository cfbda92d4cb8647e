package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/slipstream/dispatch"
	"github.com/BaSui01/slipstream/registry"
	"github.com/BaSui01/slipstream/repository"
	"github.com/BaSui01/slipstream/transport"
	"github.com/BaSui01/slipstream/types"
)

func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

type harness struct {
	t      *testing.T
	tr     *transport.InMemory
	repo   *repository.InMemory
	reg    *registry.AgentRegistry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		tr:     transport.NewInMemory(0, nil),
		repo:   repository.NewInMemory(),
		reg:    registry.NewAgentRegistry(nil, nil),
		ctx:    ctx,
		cancel: cancel,
	}
	t.Cleanup(func() {
		cancel()
		h.tr.Disconnect(context.Background())
		h.wg.Wait()
	})
	return h
}

func (h *harness) register(reg registry.Registration) {
	h.t.Helper()
	require.NoError(h.t, h.reg.Register(reg))
}

func (h *harness) startWorker(agentName string, retry RetryConfig) {
	h.t.Helper()
	exec, err := New(h.tr, h.reg, Options{AgentName: agentName, Retry: retry},
		zap.NewNop(), WithRepository(h.repo))
	require.NoError(h.t, err)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = exec.Run(h.ctx)
	}()
}

func (h *harness) dispatch(payload map[string]any, steps ...types.ActivitySpec) string {
	h.t.Helper()
	d := dispatch.NewDispatcher(h.tr, h.reg, nil, dispatch.WithRepository(h.repo))
	for _, step := range steps {
		require.NoError(h.t, d.AddToRunway(step.AgentName, step.Prompt, nil))
	}
	correlationID, err := d.DispatchWorkflow(h.ctx, dispatch.DispatchOptions{Payload: payload})
	require.NoError(h.t, err)
	return correlationID
}

func (h *harness) waitStatus(correlationID string, status repository.WorkflowStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		wf, err := h.repo.GetWorkflow(context.Background(), correlationID)
		return err == nil && wf.Status == status
	}, 3*time.Second, 5*time.Millisecond,
		"workflow %s never reached status %s", correlationID, status)
}

type snapshotDoc struct {
	RoutingSlip types.RoutingSlip `json:"routing_slip"`
	Payload     map[string]any    `json:"payload"`
}

func (h *harness) snapshot(correlationID string) snapshotDoc {
	h.t.Helper()
	wf, err := h.repo.GetWorkflow(context.Background(), correlationID)
	require.NoError(h.t, err)
	var doc snapshotDoc
	require.NoError(h.t, json.Unmarshal(wf.Snapshot, &doc))
	return doc
}

func (h *harness) steps(correlationID string) []repository.StepRecord {
	h.t.Helper()
	steps, err := h.repo.GetSteps(context.Background(), correlationID)
	require.NoError(h.t, err)
	return steps
}

func chainRunner(name string) registry.ActivityRunner {
	return registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
		if rc.PreviousOutput != nil {
			return fmt.Sprintf("%v+%s", rc.PreviousOutput.Output, name), nil
		}
		return rc.Prompt + "+" + name, nil
	})
}

// Single-agent happy path: one completed step record, workflow completed,
// executed = [echo], itinerary empty.
func TestSingleAgentHappyPath(t *testing.T) {
	h := newHarness(t)
	h.register(registry.Registration{
		AgentName: "echo",
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			return rc.Prompt, nil
		}),
	})
	h.startWorker("echo", fastRetry(3))

	correlationID := h.dispatch(nil, types.NewActivitySpec("echo", "hi"))
	h.waitStatus(correlationID, repository.WorkflowCompleted)

	steps := h.steps(correlationID)
	require.Len(t, steps, 1)
	assert.Equal(t, "echo", steps[0].AgentName)
	assert.Equal(t, repository.StepCompleted, steps[0].Status)
	assert.Equal(t, `"hi"`, steps[0].OutputRef)

	doc := h.snapshot(correlationID)
	assert.Empty(t, doc.RoutingSlip.Itinerary)
	require.Len(t, doc.RoutingSlip.Executed, 1)
	assert.Equal(t, "echo", doc.RoutingSlip.Executed[0].AgentName)
}

// Three-agent pipeline: step records complete in order and the output chain
// accumulates through previous_output.
func TestThreeAgentPipeline(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"a", "b", "c"} {
		h.register(registry.Registration{AgentName: name, Runner: chainRunner(name)})
		h.startWorker(name, fastRetry(3))
	}

	correlationID := h.dispatch(nil,
		types.NewActivitySpec("a", "x"),
		types.NewActivitySpec("b", ""),
		types.NewActivitySpec("c", ""))
	h.waitStatus(correlationID, repository.WorkflowCompleted)

	steps := h.steps(correlationID)
	require.Len(t, steps, 3)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, steps[i].AgentName)
		assert.Equal(t, repository.StepCompleted, steps[i].Status)
	}

	doc := h.snapshot(correlationID)
	prev, ok := doc.Payload[types.PayloadPreviousOutput].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x+a+b+c", prev["output"])
	assert.Equal(t, "c", prev["agent_name"])
}

// Retry then succeed: a retryable failure on attempt 0 and success on
// attempt 1 leave exactly one step record, completed with attempt = 1.
func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(registry.Registration{AgentName: "a", Runner: chainRunner("a")})
	h.register(registry.Registration{
		AgentName: "b",
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			if calls.Add(1) == 1 {
				return nil, types.Retryable(errors.New("upstream flaked"))
			}
			return "recovered", nil
		}),
	})
	h.startWorker("a", fastRetry(3))
	h.startWorker("b", fastRetry(3))

	correlationID := h.dispatch(nil,
		types.NewActivitySpec("a", "x"),
		types.NewActivitySpec("b", ""))
	h.waitStatus(correlationID, repository.WorkflowCompleted)

	var bSteps []repository.StepRecord
	for _, step := range h.steps(correlationID) {
		if step.AgentName == "b" {
			bSteps = append(bSteps, step)
		}
	}
	require.Len(t, bSteps, 1, "retries must not duplicate the step row")
	assert.Equal(t, repository.StepCompleted, bSteps[0].Status)
	assert.Equal(t, 1, bSteps[0].Attempt)
	assert.Equal(t, int32(2), calls.Load())
}

// Retry exhausted: every attempt fails, the workflow fails, and the next
// agent is never started nor published to.
func TestRetryExhausted(t *testing.T) {
	h := newHarness(t)
	h.register(registry.Registration{AgentName: "a", Runner: chainRunner("a")})
	h.register(registry.Registration{
		AgentName: "b",
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			return nil, types.Retryable(errors.New("permanently flaky"))
		}),
	})
	h.register(registry.Registration{AgentName: "c", Runner: chainRunner("c")})
	h.startWorker("a", fastRetry(2))
	h.startWorker("b", fastRetry(2))
	// No worker for c: a stray publication would be observable in its queue.

	correlationID := h.dispatch(nil,
		types.NewActivitySpec("a", "x"),
		types.NewActivitySpec("b", ""),
		types.NewActivitySpec("c", ""))
	h.waitStatus(correlationID, repository.WorkflowFailed)

	byAgent := map[string]repository.StepRecord{}
	for _, step := range h.steps(correlationID) {
		byAgent[step.AgentName] = step
	}
	require.Contains(t, byAgent, "b")
	assert.Equal(t, repository.StepFailed, byAgent["b"].Status)
	assert.Equal(t, 2, byAgent["b"].Attempt)
	assert.Contains(t, byAgent["b"].Error, "permanently flaky")
	assert.NotContains(t, byAgent, "c")
	assert.Zero(t, h.tr.QueuedCount("c"))
}

// Permanent runner failures skip retries entirely.
func TestPermanentFailureNoRetry(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(registry.Registration{
		AgentName: "strict",
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			calls.Add(1)
			return nil, types.Permanent(errors.New("bad input"))
		}),
	})
	h.startWorker("strict", fastRetry(5))

	correlationID := h.dispatch(nil, types.NewActivitySpec("strict", "go"))
	h.waitStatus(correlationID, repository.WorkflowFailed)
	assert.Equal(t, int32(1), calls.Load())

	steps := h.steps(correlationID)
	require.Len(t, steps, 1)
	assert.Equal(t, repository.StepFailed, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempt)
}

// Dynamic insertion within bound: the inserted activity becomes the new head
// after advance, executes, and the workflow completes.
func TestDynamicInsertionWithinBound(t *testing.T) {
	h := newHarness(t)
	var editErr error
	h.register(registry.Registration{
		AgentName:        "planner",
		CanEditItinerary: true,
		MaxInsertions:    3,
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			editErr = rc.EditItinerary([]registry.Insertion{{AgentName: "notifier", Prompt: "post"}})
			return "planned", nil
		}),
	})
	h.register(registry.Registration{
		AgentName: "notifier",
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			return "notified:" + rc.Prompt, nil
		}),
	})
	h.startWorker("planner", fastRetry(3))
	h.startWorker("notifier", fastRetry(3))

	correlationID := h.dispatch(nil, types.NewActivitySpec("planner", "plan"))
	h.waitStatus(correlationID, repository.WorkflowCompleted)
	require.NoError(t, editErr)

	doc := h.snapshot(correlationID)
	require.Len(t, doc.RoutingSlip.Executed, 2)
	assert.Equal(t, "planner", doc.RoutingSlip.Executed[0].AgentName)
	assert.Equal(t, "notifier", doc.RoutingSlip.Executed[1].AgentName)
	assert.Equal(t, 1, doc.RoutingSlip.InsertedCount)

	byAgent := map[string]repository.StepRecord{}
	for _, step := range h.steps(correlationID) {
		byAgent[step.AgentName] = step
	}
	assert.Equal(t, repository.StepCompleted, byAgent["notifier"].Status)
}

// Dynamic insertion exceeding the bound surfaces a protocol error to the
// runner, leaves the slip unchanged and lets the workflow proceed.
func TestDynamicInsertionExceedsBound(t *testing.T) {
	h := newHarness(t)
	var editErr error
	h.register(registry.Registration{
		AgentName:        "planner",
		CanEditItinerary: true,
		MaxInsertions:    -1,
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			editErr = rc.EditItinerary([]registry.Insertion{{AgentName: "notifier", Prompt: "post"}})
			return "planned", nil
		}),
	})
	h.register(registry.Registration{
		AgentName: "notifier",
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			return "notified", nil
		}),
	})
	h.startWorker("planner", fastRetry(3))

	correlationID := h.dispatch(nil, types.NewActivitySpec("planner", "plan"))
	h.waitStatus(correlationID, repository.WorkflowCompleted)

	require.Error(t, editErr)
	assert.Equal(t, types.ErrItineraryBound, types.GetErrorCode(editErr))

	doc := h.snapshot(correlationID)
	require.Len(t, doc.RoutingSlip.Executed, 1)
	assert.Equal(t, "planner", doc.RoutingSlip.Executed[0].AgentName)
	assert.Zero(t, doc.RoutingSlip.InsertedCount)
}

// Agents without the capability never see the edit hook.
func TestEditHookAbsentWithoutCapability(t *testing.T) {
	h := newHarness(t)
	var sawHook bool
	h.register(registry.Registration{
		AgentName: "plain",
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			sawHook = rc.EditItinerary != nil
			return nil, nil
		}),
	})
	h.startWorker("plain", fastRetry(3))

	correlationID := h.dispatch(nil, types.NewActivitySpec("plain", "go"))
	h.waitStatus(correlationID, repository.WorkflowCompleted)
	assert.False(t, sawHook)
}

// A misrouted message is acked and dropped without failing anything.
func TestMisroutedMessageDropped(t *testing.T) {
	h := newHarness(t)
	h.register(registry.Registration{AgentName: "echo", Runner: chainRunner("echo")})
	h.startWorker("echo", fastRetry(3))

	ctx := context.Background()
	msg := types.NewMessage("corr-misroute", "run-1",
		types.NewRoutingSlip([]types.ActivitySpec{types.NewActivitySpec("other", "p")}))
	require.NoError(t, h.tr.Publish(ctx, "echo", msg))

	require.Eventually(t, func() bool {
		return h.tr.QueuedCount("echo") == 0 && h.tr.PendingCount() == 0
	}, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.steps("corr-misroute"))
}

// A poison message (wrong spec version) is acked and dropped, never
// requeued.
func TestPoisonMessageDropped(t *testing.T) {
	h := newHarness(t)
	h.register(registry.Registration{AgentName: "echo", Runner: chainRunner("echo")})
	h.startWorker("echo", fastRetry(3))

	ctx := context.Background()
	msg := types.NewMessage("corr-poison", "run-1",
		types.NewRoutingSlip([]types.ActivitySpec{types.NewActivitySpec("echo", "p")}))
	msg.SpecVersion = "2.0"
	require.NoError(t, h.tr.Publish(ctx, "echo", msg))

	require.Eventually(t, func() bool {
		return h.tr.QueuedCount("echo") == 0 && h.tr.PendingCount() == 0
	}, 3*time.Second, 5*time.Millisecond)
}

// Dependency blobs reconstruct through the codec registry before invocation.
func TestDepsReconstruction(t *testing.T) {
	type notifyDeps struct {
		Channel string `json:"channel"`
	}
	h := newHarness(t)
	require.NoError(t, h.reg.Codecs().Register(registry.JSONCodec[notifyDeps]("notify_deps")))

	var got notifyDeps
	h.register(registry.Registration{
		AgentName: "notify",
		DepsTag:   "notify_deps",
		Deps:      notifyDeps{Channel: "ops"},
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			deps, ok := rc.Deps.(notifyDeps)
			if !ok {
				return nil, types.Permanent(errors.New("missing deps"))
			}
			got = deps
			return "sent", nil
		}),
	})
	h.startWorker("notify", fastRetry(3))

	d := dispatch.NewDispatcher(h.tr, h.reg, nil, dispatch.WithRepository(h.repo))
	require.NoError(t, d.AddToRunway("notify", "ping", notifyDeps{Channel: "alerts"}))
	correlationID, err := d.DispatchWorkflow(h.ctx, dispatch.DispatchOptions{})
	require.NoError(t, err)

	h.waitStatus(correlationID, repository.WorkflowCompleted)
	assert.Equal(t, "alerts", got.Channel)
}

// An unresolvable agent terminates the worker, not the workflow.
func TestUnknownAgentTerminatesWorker(t *testing.T) {
	h := newHarness(t)
	exec, err := New(h.tr, h.reg, Options{AgentName: "ghost"}, zap.NewNop())
	require.NoError(t, err)

	err = exec.Run(h.ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownAgent, types.GetErrorCode(err))
}

// Shutdown lets the in-flight step finish, forward and ack before the worker
// returns.
func TestShutdownFinishesInFlightStep(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.register(registry.Registration{
		AgentName: "slow",
		Runner: registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
			close(started)
			<-release
			return "done", nil
		}),
	})
	h.startWorker("slow", fastRetry(3))

	correlationID := h.dispatch(nil, types.NewActivitySpec("slow", "go"))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}
	h.cancel()
	close(release)

	h.waitStatus(correlationID, repository.WorkflowCompleted)
	h.wg.Wait()
	assert.Zero(t, h.tr.PendingCount())
}

func TestBackoffBounds(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, time.Second, cfg.Backoff(10))

	jittered := cfg
	jittered.Jitter = true
	for range 50 {
		d := jittered.Backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestRetryConfigDefaults(t *testing.T) {
	cfg := RetryConfig{}.withDefaults()
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().InitialBackoff, cfg.InitialBackoff)
}
