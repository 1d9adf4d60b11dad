// Package agent runs autonomous tasks in a session: it asks a language
// model for a plan, executes the planned actions in the workspace and feeds
// the outcome back until the model reports completion or a limit is hit.
package agent

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of an agent execution.
type Status string

const (
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusMaxIterations Status = "max_iterations"
	StatusTimeout       Status = "timeout"
	StatusError         Status = "error"
)

// Action types a plan may contain.
const (
	ActionCommand    = "command"
	ActionCreateFile = "create_file"
	ActionAnalyze    = "analyze"
)

// Action is one step proposed by the model.
type Action struct {
	Type      string `json:"type"`
	Command   string `json:"command,omitempty"`
	Path      string `json:"path,omitempty"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Critical  bool   `json:"critical,omitempty"`
}

// StepResult is the observed outcome of an action.
type StepResult struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// Step is an executed action.
type Step struct {
	Iteration int        `json:"iteration"`
	Action    string     `json:"action"`
	Command   string     `json:"command,omitempty"`
	Path      string     `json:"path,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
	Critical  bool       `json:"critical,omitempty"`
	Result    StepResult `json:"result"`
	Timestamp time.Time  `json:"timestamp"`
}

// Execution is the inspectable record of one agent run.
type Execution struct {
	TaskID        string     `json:"taskId"`
	SessionID     string     `json:"sessionId"`
	UserID        string     `json:"userId"`
	Task          string     `json:"task"`
	Status        Status     `json:"status"`
	Steps         []Step     `json:"steps"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	Iterations    int        `json:"iterations"`
	MaxIterations int        `json:"maxIterations"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	DurationMs    int64      `json:"durationMs"`
}

// Done reports whether the execution reached a terminal status.
func (e *Execution) Done() bool { return e.Status != StatusRunning }

func (e *Execution) clone() *Execution {
	cp := *e
	cp.Steps = append([]Step(nil), e.Steps...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// maxStoredRuns bounds the in-memory store; the oldest finished runs are
// dropped first.
const maxStoredRuns = 500

// MemoryStore keeps executions by task id. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Execution
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Execution)}
}

// Put stores a copy of e.
func (s *MemoryStore) Put(e *Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[e.TaskID] = e.clone()
	if len(s.runs) > maxStoredRuns {
		s.evictLocked(len(s.runs) - maxStoredRuns)
	}
}

// Get returns a copy of the execution for taskID.
func (s *MemoryStore) Get(taskID string) (*Execution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[taskID]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// List returns copies of the executions of a session, newest first.
func (s *MemoryStore) List(sessionID string) []*Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, e := range s.runs {
		if e.SessionID == sessionID {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (s *MemoryStore) evictLocked(n int) {
	var done []*Execution
	for _, e := range s.runs {
		if e.Done() {
			done = append(done, e)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].StartedAt.Before(done[j].StartedAt) })
	for i := 0; i < n && i < len(done); i++ {
		delete(s.runs, done[i].TaskID)
	}
}
