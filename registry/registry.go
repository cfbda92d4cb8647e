// Package registry provides the process-local agent registry: the executor's
// only trusted source of runner identity. Messages carry agent names and
// dependency blobs, never code; this registry maps a name back to its runner,
// its dependency codec and its itinerary-edit capability.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/slipstream/types"
)

// Insertion is one dynamically requested itinerary step: an agent that must
// already be registered as an available activity, plus its prompt.
type Insertion struct {
	AgentName string
	Prompt    string
}

// RunContext carries everything an activity runner may consume. EditItinerary
// is non-nil only for agents registered with CanEditItinerary; it inserts
// steps immediately after the current one and returns a protocol error when
// the request violates the bound, references an unknown agent, or would
// re-enter an executed step.
type RunContext struct {
	CorrelationID  string
	RunID          string
	TraceID        string
	Prompt         string
	Deps           any
	PreviousOutput *types.PreviousOutput
	OBOToken       string
	EditItinerary  func(insertions []Insertion) error
}

// ActivityRunner executes one activity and yields an opaque output. Runners
// signal retryability by returning a *types.Error with Retryable set (see
// types.Retryable and types.Permanent); any other error is permanent.
type ActivityRunner interface {
	Run(ctx context.Context, rc *RunContext) (any, error)
}

// RunnerFunc adapts a function to the ActivityRunner interface.
type RunnerFunc func(ctx context.Context, rc *RunContext) (any, error)

// Run implements ActivityRunner.
func (f RunnerFunc) Run(ctx context.Context, rc *RunContext) (any, error) {
	return f(ctx, rc)
}

// Registration declares one agent: its runner, its dependency codec tag, the
// dependency value other workflows may address it with, and its itinerary
// capability.
type Registration struct {
	// AgentName is the agent's unique name; its topic is the name verbatim.
	AgentName string

	// Module is an opaque hint namespacing the registration. Lookups with a
	// hint only match registrations from that module.
	Module string

	// Runner executes the activity.
	Runner ActivityRunner

	// DepsTag selects the codec reconstructing the typed dependency value
	// from the envelope's deps blob. Empty means the agent takes no deps.
	DepsTag string

	// Deps is the dependency value serialized into the available-activity
	// snapshot so other agents can insert this activity dynamically.
	Deps any

	// CanEditItinerary exposes the itinerary-edit hook to the runner.
	CanEditItinerary bool

	// MaxInsertions bounds cumulative insertions this agent may cause.
	// Zero falls back to the engine default; a negative value sets the
	// bound to zero, rejecting every edit.
	MaxInsertions int
}

// AgentRegistry is an explicit service object threaded through worker
// construction. It is never a hidden process-wide singleton.
type AgentRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Registration
	codecs  *DepsCodecs
	logger  *zap.Logger
}

// NewAgentRegistry creates an empty registry backed by the given codecs.
func NewAgentRegistry(codecs *DepsCodecs, logger *zap.Logger) *AgentRegistry {
	if codecs == nil {
		codecs = NewDepsCodecs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentRegistry{
		entries: map[string]*Registration{},
		codecs:  codecs,
		logger:  logger.With(zap.String("component", "registry")),
	}
}

// Codecs returns the dependency codec registry.
func (r *AgentRegistry) Codecs() *DepsCodecs {
	return r.codecs
}

// Register adds an agent. Re-registering a name replaces the previous entry.
func (r *AgentRegistry) Register(reg Registration) error {
	if reg.AgentName == "" {
		return fmt.Errorf("agent name must not be empty")
	}
	if reg.Runner == nil {
		return fmt.Errorf("agent %q: runner must not be nil", reg.AgentName)
	}
	if reg.DepsTag != "" && !r.codecs.Has(reg.DepsTag) {
		return fmt.Errorf("agent %q: deps codec %q is not registered", reg.AgentName, reg.DepsTag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[reg.AgentName]; ok {
		r.logger.Warn("replacing agent registration", zap.String("agent_name", reg.AgentName))
	}
	stored := reg
	r.entries[reg.AgentName] = &stored
	return nil
}

// Lookup resolves an agent by name. A non-empty module hint restricts the
// match to registrations from that module.
func (r *AgentRegistry) Lookup(agentName, moduleHint string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[agentName]
	if !ok {
		return nil, types.NewError(types.ErrUnknownAgent,
			fmt.Sprintf("agent %q is not registered", agentName)).WithAgent(agentName)
	}
	if moduleHint != "" && reg.Module != "" && reg.Module != moduleHint {
		return nil, types.NewError(types.ErrUnknownAgent,
			fmt.Sprintf("agent %q is registered in module %q, not %q",
				agentName, reg.Module, moduleHint)).WithAgent(agentName)
	}
	return reg, nil
}

// Names lists the registered agent names.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Snapshot renders the registry as the available-activity map carried in the
// envelope: one ActivitySpec per agent with its serialized dependency blob.
// Dynamic insertions are validated against this snapshot on the worker that
// performs the edit.
func (r *AgentRegistry) Snapshot() (map[string]types.ActivitySpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]types.ActivitySpec, len(r.entries))
	for name, reg := range r.entries {
		spec := types.NewActivitySpec(name, "")
		if reg.DepsTag != "" {
			deps, err := r.codecs.Encode(reg.DepsTag, reg.Deps)
			if err != nil {
				return nil, fmt.Errorf("agent %q: serialize deps: %w", name, err)
			}
			deps.Module = reg.Module
			spec.Deps = deps
		}
		snapshot[name] = spec
	}
	return snapshot, nil
}
