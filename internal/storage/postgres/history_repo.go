package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/warp/internal/storage"
)

// Compile-time interface check.
var _ storage.HistoryStore = (*HistoryRepository)(nil)

// HistoryRepository implements storage.HistoryStore on any GORM dialect.
// The SQLite backend reuses it.
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a HistoryRepository.
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// SaveExecution inserts an execution, assigning an id and timestamp if unset.
func (r *HistoryRepository) SaveExecution(ctx context.Context, e *storage.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	model := toExecutionModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("saving execution: %w", err)
	}
	return nil
}

// ListExecutions returns the newest executions of a session first.
func (r *HistoryRepository) ListExecutions(ctx context.Context, sessionID string, limit int) ([]storage.Execution, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	out := make([]storage.Execution, len(models))
	for i := range models {
		out[i] = fromExecutionModel(&models[i])
	}
	return out, nil
}

// SaveAgentRun upserts an agent run by task id.
func (r *HistoryRepository) SaveAgentRun(ctx context.Context, run *storage.AgentRun) error {
	if run.TaskID == "" {
		return fmt.Errorf("agent run task id is required")
	}
	model := toAgentRunModel(run)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "iterations", "summary", "error", "steps", "completed_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving agent run: %w", err)
	}
	return nil
}

// GetAgentRun returns storage.ErrNotFound for unknown task ids.
func (r *HistoryRepository) GetAgentRun(ctx context.Context, taskID string) (*storage.AgentRun, error) {
	var model AgentRunModel
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent run: %w", err)
	}
	return fromAgentRunModel(&model), nil
}

// Prune deletes executions and agent runs older than before.
func (r *HistoryRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", before).Delete(&ExecutionModel{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		res = tx.Where("started_at < ?", before).Delete(&AgentRunModel{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return total, nil
}

func toExecutionModel(e *storage.Execution) ExecutionModel {
	return ExecutionModel{
		ID:         e.ID,
		SessionID:  e.SessionID,
		UserID:     e.UserID,
		Command:    e.Command,
		Executor:   e.Executor,
		Routing:    e.Routing,
		Success:    e.Success,
		ExitCode:   e.ExitCode,
		DurationMs: e.DurationMs,
		Kind:       e.Kind,
		HeavyError: e.HeavyError,
		Output:     e.Output,
		CreatedAt:  e.CreatedAt,
	}
}

func fromExecutionModel(m *ExecutionModel) storage.Execution {
	return storage.Execution{
		ID:         m.ID,
		SessionID:  m.SessionID,
		UserID:     m.UserID,
		Command:    m.Command,
		Executor:   m.Executor,
		Routing:    m.Routing,
		Success:    m.Success,
		ExitCode:   m.ExitCode,
		DurationMs: m.DurationMs,
		Kind:       m.Kind,
		HeavyError: m.HeavyError,
		Output:     m.Output,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

func toAgentRunModel(run *storage.AgentRun) AgentRunModel {
	return AgentRunModel{
		TaskID:      run.TaskID,
		SessionID:   run.SessionID,
		UserID:      run.UserID,
		Task:        run.Task,
		Status:      run.Status,
		Iterations:  run.Iterations,
		Summary:     run.Summary,
		Error:       run.Error,
		Steps:       string(run.Steps),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
}

func fromAgentRunModel(m *AgentRunModel) *storage.AgentRun {
	run := &storage.AgentRun{
		TaskID:      m.TaskID,
		SessionID:   m.SessionID,
		UserID:      m.UserID,
		Task:        m.Task,
		Status:      m.Status,
		Iterations:  m.Iterations,
		Summary:     m.Summary,
		Error:       m.Error,
		StartedAt:   m.StartedAt.UTC(),
		CompletedAt: m.CompletedAt.UTC(),
	}
	if m.Steps != "" {
		run.Steps = []byte(m.Steps)
	}
	return run
}
