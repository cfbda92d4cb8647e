package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// workflowModel maps to the workflows table.
type workflowModel struct {
	CorrelationID string `gorm:"column:correlation_id;primaryKey"`
	Status        string `gorm:"column:status;not null"`
	SnapshotJSON  []byte `gorm:"column:snapshot_json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (workflowModel) TableName() string { return "workflows" }

// stepModel maps to the steps table. The composite unique index on
// (correlation_id, agent_name, run_id) is what makes step starts
// insert-or-ignore.
type stepModel struct {
	ID            uint       `gorm:"primaryKey;autoIncrement"`
	CorrelationID string     `gorm:"column:correlation_id;not null;uniqueIndex:idx_steps_key"`
	AgentName     string     `gorm:"column:agent_name;not null;uniqueIndex:idx_steps_key"`
	RunID         string     `gorm:"column:run_id;not null;uniqueIndex:idx_steps_key"`
	Attempt       int        `gorm:"column:attempt"`
	Status        string     `gorm:"column:status"`
	Error         string     `gorm:"column:error"`
	OutputRef     string     `gorm:"column:output_ref"`
	StartedAt     time.Time  `gorm:"column:started_at"`
	FinishedAt    *time.Time `gorm:"column:finished_at"`
}

func (stepModel) TableName() string { return "steps" }

// Gorm is a relational workflow repository covering the embedded SQLite and
// remote Postgres backends.
type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGorm wraps an existing gorm handle and migrates the schema.
func NewGorm(db *gorm.DB, logger *zap.Logger) (*Gorm, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&workflowModel{}, &stepModel{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &Gorm{db: db, logger: logger.With(zap.String("component", "repository.gorm"))}, nil
}

// OpenSQLite opens an embedded SQLite repository at path. The special DSN
// ":memory:" yields a throwaway database.
func OpenSQLite(path string, logger *zap.Logger) (*Gorm, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite repository: %w", err)
	}
	return NewGorm(db, logger)
}

// OpenPostgres opens a remote Postgres repository with the given DSN.
func OpenPostgres(dsn string, logger *zap.Logger) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres repository: %w", err)
	}
	return NewGorm(db, logger)
}

// RecordWorkflow implements WorkflowRepository. Insert-or-update on the
// correlation id primary key.
func (r *Gorm) RecordWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if rec == nil || rec.CorrelationID == "" {
		return ErrInvalidInput
	}
	model := workflowModel{
		CorrelationID: rec.CorrelationID,
		Status:        string(rec.Status),
		SnapshotJSON:  rec.Snapshot,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "correlation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "snapshot_json", "updated_at"}),
	}).Create(&model).Error
}

// UpdateWorkflowStatus implements WorkflowRepository.
func (r *Gorm) UpdateWorkflowStatus(ctx context.Context, correlationID string, status WorkflowStatus, snapshot []byte) error {
	updates := map[string]any{"status": string(status), "updated_at": time.Now().UTC()}
	if snapshot != nil {
		updates["snapshot_json"] = snapshot
	}
	res := r.db.WithContext(ctx).Model(&workflowModel{}).
		Where("correlation_id = ?", correlationID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("workflow %s: %w", correlationID, ErrNotFound)
	}
	return nil
}

// RecordStepStarted implements WorkflowRepository. The conflict clause turns
// duplicate starts for the same (correlation_id, agent_name, run_id) into
// no-ops, so retries never produce a second row.
func (r *Gorm) RecordStepStarted(ctx context.Context, key StepKey, attempt int, snapshot []byte) error {
	model := stepModel{
		CorrelationID: key.CorrelationID,
		AgentName:     key.AgentName,
		RunID:         key.RunID,
		Attempt:       attempt,
		Status:        string(StepStarted),
		StartedAt:     time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "correlation_id"}, {Name: "agent_name"}, {Name: "run_id"},
		},
		DoNothing: true,
	}).Create(&model).Error
	if err != nil {
		return err
	}
	updates := map[string]any{"status": string(WorkflowRunning), "updated_at": time.Now().UTC()}
	if snapshot != nil {
		updates["snapshot_json"] = snapshot
	}
	return r.db.WithContext(ctx).Model(&workflowModel{}).
		Where("correlation_id = ?", key.CorrelationID).
		Updates(updates).Error
}

func (r *Gorm) updateStep(ctx context.Context, key StepKey, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&stepModel{}).
		Where("correlation_id = ? AND agent_name = ? AND run_id = ?",
			key.CorrelationID, key.AgentName, key.RunID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("step %s/%s: %w", key.CorrelationID, key.AgentName, ErrNotFound)
	}
	return nil
}

// RecordStepCompleted implements WorkflowRepository.
func (r *Gorm) RecordStepCompleted(ctx context.Context, key StepKey, attempt int, outputRef string) error {
	return r.updateStep(ctx, key, map[string]any{
		"status":      string(StepCompleted),
		"attempt":     attempt,
		"output_ref":  outputRef,
		"error":       "",
		"finished_at": time.Now().UTC(),
	})
}

// RecordStepFailed implements WorkflowRepository.
func (r *Gorm) RecordStepFailed(ctx context.Context, key StepKey, attempt int, stepErr string) error {
	return r.updateStep(ctx, key, map[string]any{
		"status":      string(StepFailed),
		"attempt":     attempt,
		"error":       stepErr,
		"finished_at": time.Now().UTC(),
	})
}

// GetWorkflow implements WorkflowRepository.
func (r *Gorm) GetWorkflow(ctx context.Context, correlationID string) (*WorkflowRecord, error) {
	var model workflowModel
	err := r.db.WithContext(ctx).First(&model, "correlation_id = ?", correlationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("workflow %s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &WorkflowRecord{
		CorrelationID: model.CorrelationID,
		Status:        WorkflowStatus(model.Status),
		Snapshot:      model.SnapshotJSON,
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}, nil
}

// GetSteps implements WorkflowRepository.
func (r *Gorm) GetSteps(ctx context.Context, correlationID string) ([]StepRecord, error) {
	var models []stepModel
	err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	steps := make([]StepRecord, 0, len(models))
	for _, m := range models {
		steps = append(steps, StepRecord{
			CorrelationID: m.CorrelationID,
			AgentName:     m.AgentName,
			RunID:         m.RunID,
			Attempt:       m.Attempt,
			Status:        StepStatus(m.Status),
			Error:         m.Error,
			OutputRef:     m.OutputRef,
			StartedAt:     m.StartedAt,
			FinishedAt:    m.FinishedAt,
		})
	}
	return steps, nil
}

// ListWorkflows implements WorkflowRepository.
func (r *Gorm) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	query := r.db.WithContext(ctx).Model(&workflowModel{}).Order("created_at")
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var models []workflowModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	result := make([]*WorkflowRecord, 0, len(models))
	for _, m := range models {
		result = append(result, &WorkflowRecord{
			CorrelationID: m.CorrelationID,
			Status:        WorkflowStatus(m.Status),
			Snapshot:      m.SnapshotJSON,
			CreatedAt:     m.CreatedAt,
			UpdatedAt:     m.UpdatedAt,
		})
	}
	return result, nil
}

// Close implements WorkflowRepository.
func (r *Gorm) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping implements WorkflowRepository.
func (r *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Ensure Gorm implements WorkflowRepository
var _ WorkflowRepository = (*Gorm)(nil)
