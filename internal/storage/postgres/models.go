package postgres

import "time"

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID         string    `gorm:"size:36;primaryKey"`
	SessionID  string    `gorm:"size:64;not null;index:idx_executions_session_created,priority:1"`
	UserID     string    `gorm:"size:128;not null;index"`
	Command    string    `gorm:"type:text;not null"`
	Executor   string    `gorm:"size:32;not null"`
	Routing    string    `gorm:"size:16;not null"`
	Success    bool      `gorm:"not null;default:false"`
	ExitCode   int       `gorm:"not null;default:0"`
	DurationMs int64     `gorm:"not null;default:0"`
	Kind       string    `gorm:"size:32"`
	HeavyError string    `gorm:"type:text"`
	Output     string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null;index;index:idx_executions_session_created,priority:2"`
}

func (ExecutionModel) TableName() string { return "executions" }

// AgentRunModel maps to the "agent_runs" table.
// Steps is stored as TEXT so the same model works on SQLite.
type AgentRunModel struct {
	TaskID      string    `gorm:"size:36;primaryKey"`
	SessionID   string    `gorm:"size:64;not null;index"`
	UserID      string    `gorm:"size:128;not null;index"`
	Task        string    `gorm:"type:text;not null"`
	Status      string    `gorm:"size:32;not null"`
	Iterations  int       `gorm:"not null;default:0"`
	Summary     string    `gorm:"type:text"`
	Error       string    `gorm:"type:text"`
	Steps       string    `gorm:"type:text"`
	StartedAt   time.Time `gorm:"not null;index"`
	CompletedAt time.Time
}

func (AgentRunModel) TableName() string { return "agent_runs" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&ExecutionModel{}, &AgentRunModel{}}
}
