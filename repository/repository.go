// Package repository provides idempotent persistence of workflow metadata and
// per-step lifecycle records for recovery and inspection.
//
// Supported backends:
// - Memory: for development and testing (default)
// - SQLite: embedded file database for single-node deployments
// - Postgres: remote relational database for distributed deployments
//
// Repository writes are advisory with respect to workflow progress: the
// executor logs failures but never rejects a message because a record could
// not be written.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/slipstream/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// BackendType represents the type of repository backend.
type BackendType string

const (
	BackendMemory   BackendType = "memory"
	BackendSQLite   BackendType = "sqlite"
	BackendPostgres BackendType = "postgres"
)

// Config selects and configures a repository backend.
type Config struct {
	// Backend is the repository backend type
	Backend BackendType `json:"backend" yaml:"backend"`

	// DSN is the backend connection string: a file path for sqlite, a
	// connection URL for postgres. Ignored by the memory backend.
	DSN string `json:"dsn" yaml:"dsn"`
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// WorkflowRecord is the persisted view of one workflow, keyed by correlation
// id, holding the last-seen routing slip and payload snapshot.
type WorkflowRecord struct {
	CorrelationID string         `json:"correlation_id"`
	Status        WorkflowStatus `json:"status"`
	Snapshot      []byte         `json:"snapshot"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StepKey uniquely identifies a step record. Retries within the same run
// share a key, which is what makes step recording idempotent.
type StepKey struct {
	CorrelationID string
	AgentName     string
	RunID         string
}

// StepRecord is the persisted lifecycle of one step.
type StepRecord struct {
	CorrelationID string     `json:"correlation_id"`
	AgentName     string     `json:"agent_name"`
	RunID         string     `json:"run_id"`
	Attempt       int        `json:"attempt"`
	Status        StepStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	OutputRef     string     `json:"output_ref,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// WorkflowFilter narrows ListWorkflows results.
type WorkflowFilter struct {
	Status WorkflowStatus
	Limit  int
	Offset int
}

// WorkflowRepository persists workflow and step lifecycle records. All
// implementations obey identical semantics: RecordWorkflow is idempotent on
// correlation id, RecordStepStarted is insert-or-ignore on the step key, and
// completion/failure updates are unconditional on the owned row.
type WorkflowRepository interface {
	// RecordWorkflow creates the workflow row or updates its mutable fields.
	RecordWorkflow(ctx context.Context, rec *WorkflowRecord) error

	// UpdateWorkflowStatus transitions the workflow and refreshes its
	// snapshot when one is supplied.
	UpdateWorkflowStatus(ctx context.Context, correlationID string, status WorkflowStatus, snapshot []byte) error

	// RecordStepStarted inserts the step row, ignoring duplicates for the
	// same key, and refreshes the workflow snapshot.
	RecordStepStarted(ctx context.Context, key StepKey, attempt int, snapshot []byte) error

	// RecordStepCompleted marks the owned step row completed.
	RecordStepCompleted(ctx context.Context, key StepKey, attempt int, outputRef string) error

	// RecordStepFailed marks the owned step row failed with the last error.
	RecordStepFailed(ctx context.Context, key StepKey, attempt int, stepErr string) error

	// GetWorkflow retrieves a workflow by correlation id.
	GetWorkflow(ctx context.Context, correlationID string) (*WorkflowRecord, error)

	// GetSteps retrieves step records for a workflow in insertion order.
	GetSteps(ctx context.Context, correlationID string) ([]StepRecord, error)

	// ListWorkflows retrieves workflows matching the filter.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error)

	// Close releases backend resources.
	Close() error

	// Ping checks backend health.
	Ping(ctx context.Context) error
}

// Snapshot serializes the observable state of an envelope (routing slip and
// payload) for the workflow record.
func Snapshot(msg *types.Message) []byte {
	data, err := json.Marshal(map[string]any{
		"routing_slip": msg.RoutingSlip,
		"payload":      msg.Payload,
	})
	if err != nil {
		return nil
	}
	return data
}
