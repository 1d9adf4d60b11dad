// Package storage defines the execution history records and the store
// interface shared by the SQLite and PostgreSQL backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Execution is one dispatched command as it finished.
type Execution struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	Command    string    `json:"command"`
	Executor   string    `json:"executor"`
	Routing    string    `json:"routing"`
	Success    bool      `json:"success"`
	ExitCode   int       `json:"exitCode"`
	DurationMs int64     `json:"durationMs"`
	Kind       string    `json:"kind,omitempty"`
	HeavyError string    `json:"heavyError,omitempty"`
	Output     string    `json:"output,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AgentRun is a finished (or aborted) autonomous agent execution.
// Steps holds the JSON-encoded step list.
type AgentRun struct {
	TaskID      string          `json:"taskId"`
	SessionID   string          `json:"sessionId"`
	UserID      string          `json:"userId"`
	Task        string          `json:"task"`
	Status      string          `json:"status"`
	Iterations  int             `json:"iterations"`
	Summary     string          `json:"summary,omitempty"`
	Error       string          `json:"error,omitempty"`
	Steps       json.RawMessage `json:"steps,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

// HistoryStore persists executions and agent runs.
type HistoryStore interface {
	SaveExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, sessionID string, limit int) ([]Execution, error)
	SaveAgentRun(ctx context.Context, run *AgentRun) error
	GetAgentRun(ctx context.Context, taskID string) (*AgentRun, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Store is a HistoryStore with a connection lifecycle.
type Store interface {
	HistoryStore
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultListLimit bounds ListExecutions when the caller passes 0.
const DefaultListLimit = 50
