package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// InMemory stores workflow state in local maps. Useful for tests or when no
// database is configured; data does not survive a process restart.
type InMemory struct {
	mu        sync.RWMutex
	workflows map[string]*WorkflowRecord
	steps     map[string][]StepRecord
}

// NewInMemory creates an empty in-memory repository.
func NewInMemory() *InMemory {
	return &InMemory{
		workflows: map[string]*WorkflowRecord{},
		steps:     map[string][]StepRecord{},
	}
}

// RecordWorkflow implements WorkflowRepository.
func (r *InMemory) RecordWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if rec == nil || rec.CorrelationID == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.workflows[rec.CorrelationID]; ok {
		existing.Status = rec.Status
		existing.Snapshot = rec.Snapshot
		existing.UpdatedAt = now
		return nil
	}
	stored := *rec
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.workflows[rec.CorrelationID] = &stored
	return nil
}

// UpdateWorkflowStatus implements WorkflowRepository.
func (r *InMemory) UpdateWorkflowStatus(ctx context.Context, correlationID string, status WorkflowStatus, snapshot []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[correlationID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", correlationID, ErrNotFound)
	}
	wf.Status = status
	if snapshot != nil {
		wf.Snapshot = snapshot
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordStepStarted implements WorkflowRepository. A second call for the same
// key is a no-op.
func (r *InMemory) RecordStepStarted(ctx context.Context, key StepKey, attempt int, snapshot []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, step := range r.steps[key.CorrelationID] {
		if step.AgentName == key.AgentName && step.RunID == key.RunID {
			return nil
		}
	}
	r.steps[key.CorrelationID] = append(r.steps[key.CorrelationID], StepRecord{
		CorrelationID: key.CorrelationID,
		AgentName:     key.AgentName,
		RunID:         key.RunID,
		Attempt:       attempt,
		Status:        StepStarted,
		StartedAt:     time.Now().UTC(),
	})
	if wf, ok := r.workflows[key.CorrelationID]; ok {
		wf.Status = WorkflowRunning
		if snapshot != nil {
			wf.Snapshot = snapshot
		}
		wf.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *InMemory) updateStep(key StepKey, fn func(*StepRecord)) error {
	steps := r.steps[key.CorrelationID]
	for i := range steps {
		if steps[i].AgentName == key.AgentName && steps[i].RunID == key.RunID {
			fn(&steps[i])
			return nil
		}
	}
	return fmt.Errorf("step %s/%s: %w", key.CorrelationID, key.AgentName, ErrNotFound)
}

// RecordStepCompleted implements WorkflowRepository.
func (r *InMemory) RecordStepCompleted(ctx context.Context, key StepKey, attempt int, outputRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	return r.updateStep(key, func(step *StepRecord) {
		step.Status = StepCompleted
		step.Attempt = attempt
		step.OutputRef = outputRef
		step.Error = ""
		step.FinishedAt = &now
	})
}

// RecordStepFailed implements WorkflowRepository.
func (r *InMemory) RecordStepFailed(ctx context.Context, key StepKey, attempt int, stepErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	return r.updateStep(key, func(step *StepRecord) {
		step.Status = StepFailed
		step.Attempt = attempt
		step.Error = stepErr
		step.FinishedAt = &now
	})
}

// GetWorkflow implements WorkflowRepository.
func (r *InMemory) GetWorkflow(ctx context.Context, correlationID string) (*WorkflowRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[correlationID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", correlationID, ErrNotFound)
	}
	cp := *wf
	return &cp, nil
}

// GetSteps implements WorkflowRepository.
func (r *InMemory) GetSteps(ctx context.Context, correlationID string) ([]StepRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.steps[correlationID]), nil
}

// ListWorkflows implements WorkflowRepository.
func (r *InMemory) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*WorkflowRecord, 0, len(r.workflows))
	for _, wf := range r.workflows {
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		cp := *wf
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *WorkflowRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*WorkflowRecord{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Close implements WorkflowRepository.
func (r *InMemory) Close() error { return nil }

// Ping implements WorkflowRepository.
func (r *InMemory) Ping(ctx context.Context) error { return nil }

// Ensure InMemory implements WorkflowRepository
var _ WorkflowRepository = (*InMemory)(nil)
