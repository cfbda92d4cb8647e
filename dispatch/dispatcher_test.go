package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/slipstream/registry"
	"github.com/BaSui01/slipstream/repository"
	"github.com/BaSui01/slipstream/transport"
	"github.com/BaSui01/slipstream/types"
)

type plannerDeps struct {
	Model string `json:"model"`
}

func noopRunner() registry.ActivityRunner {
	return registry.RunnerFunc(func(ctx context.Context, rc *registry.RunContext) (any, error) {
		return nil, nil
	})
}

func setupDispatcher(t *testing.T) (*Dispatcher, *transport.InMemory, *repository.InMemory, *registry.AgentRegistry) {
	t.Helper()
	tr := transport.NewInMemory(0, nil)
	repo := repository.NewInMemory()
	codecs := registry.NewDepsCodecs()
	require.NoError(t, codecs.Register(registry.JSONCodec[plannerDeps]("planner_deps")))
	reg := registry.NewAgentRegistry(codecs, nil)
	d := NewDispatcher(tr, reg, nil, WithRepository(repo))
	return d, tr, repo, reg
}

func receive(t *testing.T, tr *transport.InMemory, topic string) transport.Delivery {
	t.Helper()
	// Each call opens its own subscription; cancel it on return so it does
	// not compete with later calls for the next queued message.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscribe(ctx, topic)
	require.NoError(t, err)
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched message")
		return transport.Delivery{}
	}
}

func TestDispatchEmptyRunway(t *testing.T) {
	d, _, _, _ := setupDispatcher(t)
	_, err := d.DispatchWorkflow(context.Background(), DispatchOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrEmptyWorkflow, types.GetErrorCode(err))
}

func TestDispatchPublishesToFirstAgent(t *testing.T) {
	d, tr, repo, _ := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.AddToRunway("extract", "pull the data", nil))
	require.NoError(t, d.AddToRunway("summarize", "condense it", nil))

	correlationID, err := d.DispatchWorkflow(ctx, DispatchOptions{
		Payload:  map[string]any{"source": "s3://bucket/key"},
		OBOToken: "delegate-token",
		TraceID:  "trace-42",
	})
	require.NoError(t, err)
	require.NotEmpty(t, correlationID)

	delivery := receive(t, tr, "extract")
	require.NoError(t, delivery.Err)
	msg := delivery.Message
	assert.Equal(t, correlationID, msg.CorrelationID)
	assert.NotEmpty(t, msg.RunID)
	assert.Zero(t, msg.Attempt)
	assert.Equal(t, "delegate-token", msg.OBOToken)
	assert.Equal(t, "trace-42", msg.TraceID)
	assert.Equal(t, "s3://bucket/key", msg.Payload["source"])
	require.Len(t, msg.RoutingSlip.Itinerary, 2)
	assert.Equal(t, "extract", msg.RoutingSlip.Itinerary[0].AgentName)
	assert.Equal(t, "summarize", msg.RoutingSlip.Itinerary[1].AgentName)
	assert.Empty(t, msg.RoutingSlip.Executed)
	assert.Zero(t, msg.RoutingSlip.InsertedCount)

	wf, err := repo.GetWorkflow(ctx, correlationID)
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowPending, wf.Status)
	assert.NotEmpty(t, wf.Snapshot)

	// The runway is consumed by a successful dispatch.
	assert.Zero(t, d.RunwayLen())
}

func TestDispatchSerializesRegisteredDeps(t *testing.T) {
	d, tr, _, reg := setupDispatcher(t)
	require.NoError(t, reg.Register(registry.Registration{
		AgentName: "planner",
		Runner:    noopRunner(),
		DepsTag:   "planner_deps",
		Deps:      plannerDeps{Model: "default"},
	}))

	require.NoError(t, d.AddToRunway("planner", "plan the work", plannerDeps{Model: "large"}))
	_, err := d.DispatchWorkflow(context.Background(), DispatchOptions{})
	require.NoError(t, err)

	msg := receive(t, tr, "planner").Message
	head := msg.RoutingSlip.Itinerary[0]
	require.NotNil(t, head.Deps)
	assert.Equal(t, "planner_deps", head.Deps.Type)
	assert.JSONEq(t, `{"model":"large"}`, string(head.Deps.Data))

	// The envelope carries the available-activity snapshot for dynamic
	// insertion validation downstream.
	require.Contains(t, msg.ActivityRegistry, "planner")
	assert.JSONEq(t, `{"model":"default"}`, string(msg.ActivityRegistry["planner"].Deps.Data))
}

func TestAddToRunwayRejectsUndeclaredDeps(t *testing.T) {
	d, _, _, _ := setupDispatcher(t)
	err := d.AddToRunway("mystery", "prompt", plannerDeps{Model: "x"})
	require.Error(t, err)
	assert.Error(t, d.AddToRunway("", "prompt", nil))
}

func TestDispatchDistinctWorkflows(t *testing.T) {
	d, tr, _, _ := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.AddToRunway("echo", "one", nil))
	first, err := d.DispatchWorkflow(ctx, DispatchOptions{})
	require.NoError(t, err)

	require.NoError(t, d.AddToRunway("echo", "two", nil))
	second, err := d.DispatchWorkflow(ctx, DispatchOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	d1 := receive(t, tr, "echo")
	d2 := receive(t, tr, "echo")
	assert.NotEqual(t, d1.Message.RunID, d2.Message.RunID)
}

func TestDispatchCarriesCompensations(t *testing.T) {
	d, tr, _, _ := setupDispatcher(t)
	require.NoError(t, d.AddToRunway("reserve", "hold inventory", nil))

	_, err := d.DispatchWorkflow(context.Background(), DispatchOptions{
		Compensations: []types.ActivitySpec{types.NewActivitySpec("release", "undo hold")},
	})
	require.NoError(t, err)

	msg := receive(t, tr, "reserve").Message
	require.Len(t, msg.RoutingSlip.Compensations, 1)
	assert.Equal(t, "release", msg.RoutingSlip.Compensations[0].AgentName)
}
