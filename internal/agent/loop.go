package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warp/internal/llm"
	"github.com/jkaninda/warp/internal/observability"
	"github.com/jkaninda/warp/internal/sandbox"
	"github.com/jkaninda/warp/internal/session"
	"github.com/jkaninda/warp/internal/storage"
)

// ErrTaskNotFound is returned by Get for unknown task ids.
var ErrTaskNotFound = errors.New("agent task not found")

// CommandRunner executes command actions. The sandbox executor satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, s *session.Session, command string, sink io.Writer) *sandbox.Result
}

// RunRecorder persists agent runs.
type RunRecorder interface {
	SaveAgentRun(ctx context.Context, run *storage.AgentRun) error
	GetAgentRun(ctx context.Context, taskID string) (*storage.AgentRun, error)
}

// Event types emitted while a task runs.
const (
	EventTaskStarted   = "agent_task_started"
	EventStepCompleted = "agent_step_completed"
	EventTaskCompleted = "agent_task_completed"
	EventTaskError     = "agent_task_error"
)

// Event reports agent progress to live listeners.
type Event struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"taskId"`
	SessionID string    `json:"sessionId"`
	Task      string    `json:"task,omitempty"`
	Step      *Step     `json:"step,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Steps     int       `json:"stepsCount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the loop's defaults.
type Config struct {
	MaxIterations int           // Default: 10.
	Timeout       time.Duration // Default: 300s.
	MaxTokens     int           // Default: 1500.
	Temperature   float32       // Default: 0.3.
}

// Options override the defaults for one run.
type Options struct {
	MaxIterations int
	Timeout       time.Duration
	Repository    string
	OnEvent       func(Event)
}

// Loop drives plan/execute/observe cycles.
type Loop struct {
	provider llm.Provider
	runner   CommandRunner
	store    *MemoryStore
	history  RunRecorder
	config   Config
	logger   *slog.Logger
	metrics  *observability.MetricsCollector
	tracer   trace.Tracer
	now      func() time.Time
}

// NewLoop creates a Loop.
func NewLoop(cfg Config, provider llm.Provider, runner CommandRunner, logger *slog.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	return &Loop{
		provider: provider,
		runner:   runner,
		store:    NewMemoryStore(),
		config:   cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithHistory persists finished runs.
func (l *Loop) WithHistory(h RunRecorder) *Loop {
	l.history = h
	return l
}

// WithObservability enables run metrics and tracing. Either may be nil.
func (l *Loop) WithObservability(metrics *observability.MetricsCollector, ts *observability.TracerSetup) *Loop {
	l.metrics = metrics
	if ts != nil {
		l.tracer = ts.Tracer()
	}
	return l
}

// Start begins a run in the background and returns its initial snapshot.
// The run is not tied to ctx's cancellation; it ends on its own timeout.
// Once started, exec belongs to the run goroutine.
func (l *Loop) Start(ctx context.Context, task string, s *session.Session, opts Options) *Execution {
	exec := l.newExecution(task, s, opts)
	l.store.Put(exec)
	snap := exec.clone()
	go l.run(context.WithoutCancel(ctx), exec, s, opts)
	return snap
}

// Run executes a task to a terminal status.
func (l *Loop) Run(ctx context.Context, task string, s *session.Session, opts Options) *Execution {
	exec := l.newExecution(task, s, opts)
	l.store.Put(exec)
	l.run(ctx, exec, s, opts)
	return exec.clone()
}

// Get returns the execution for taskID from memory, then from history.
func (l *Loop) Get(ctx context.Context, taskID string) (*Execution, error) {
	if e, ok := l.store.Get(taskID); ok {
		return e, nil
	}
	if l.history == nil {
		return nil, ErrTaskNotFound
	}
	run, err := l.history.GetAgentRun(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(run), nil
}

// List returns the in-memory executions of a session, newest first.
func (l *Loop) List(sessionID string) []*Execution {
	return l.store.List(sessionID)
}

func (l *Loop) newExecution(task string, s *session.Session, opts Options) *Execution {
	limit := opts.MaxIterations
	if limit <= 0 {
		limit = l.config.MaxIterations
	}
	return &Execution{
		TaskID:        uuid.New().String(),
		SessionID:     s.ID,
		UserID:        s.UserID,
		Task:          task,
		Status:        StatusRunning,
		MaxIterations: limit,
		StartedAt:     l.now(),
	}
}

func (l *Loop) run(ctx context.Context, exec *Execution, s *session.Session, opts Options) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = l.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var span trace.Span
	if l.tracer != nil {
		ctx, span = l.tracer.Start(ctx, "agent.run",
			trace.WithAttributes(
				attribute.String("agent.task_id", exec.TaskID),
				attribute.String("session.id", exec.SessionID),
			))
		defer span.End()
	}

	emit := func(ev Event) {
		if opts.OnEvent == nil {
			return
		}
		ev.TaskID, ev.SessionID, ev.Timestamp = exec.TaskID, exec.SessionID, l.now()
		opts.OnEvent(ev)
	}

	l.logger.InfoContext(ctx, "agent task started",
		slog.String("task_id", exec.TaskID),
		slog.String("session_id", exec.SessionID),
		slog.Int("max_iterations", exec.MaxIterations),
	)
	emit(Event{Type: EventTaskStarted, Task: exec.Task})

	l.iterate(ctx, exec, s, opts.Repository, emit)

	done := l.now()
	exec.CompletedAt = &done
	exec.DurationMs = done.Sub(exec.StartedAt).Milliseconds()
	l.store.Put(exec)
	l.persist(ctx, exec)
	l.metrics.RecordAgentRun(string(exec.Status))

	if span != nil {
		span.SetAttributes(attribute.String("agent.status", string(exec.Status)), attribute.Int("agent.steps", len(exec.Steps)))
		if exec.Status == StatusError {
			span.SetStatus(codes.Error, exec.Error)
		}
	}

	if exec.Status == StatusError {
		emit(Event{Type: EventTaskError, Error: exec.Error})
	} else {
		result := exec.Result
		if result == "" {
			result = "Task " + string(exec.Status)
		}
		emit(Event{Type: EventTaskCompleted, Status: exec.Status, Result: result, Steps: len(exec.Steps)})
	}

	l.logger.InfoContext(ctx, "agent task finished",
		slog.String("task_id", exec.TaskID),
		slog.String("status", string(exec.Status)),
		slog.Int("steps", len(exec.Steps)),
		slog.Int64("duration_ms", exec.DurationMs),
	)
}

// iterate runs the plan/execute/observe cycle and sets exec.Status.
func (l *Loop) iterate(ctx context.Context, exec *Execution, s *session.Session, repository string, emit func(Event)) {
	for iter := 1; iter <= exec.MaxIterations; iter++ {
		if ctx.Err() != nil {
			exec.Status = StatusTimeout
			return
		}
		exec.Iterations = iter

		prompt := buildPrompt(exec.Task, s.Workspace.Display(s.Cwd()), repository, exec.Steps)
		resp, err := l.provider.SendMessage(ctx, llm.PlanningRequest(systemPrompt, prompt, l.config.MaxTokens, l.config.Temperature))
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				exec.Status = StatusTimeout
				return
			}
			exec.Status = StatusError
			exec.Error = err.Error()
			l.logger.ErrorContext(ctx, "agent generation failed",
				slog.String("task_id", exec.TaskID),
				slog.String("error", err.Error()),
			)
			return
		}

		if resp.Truncated() {
			l.logger.WarnContext(ctx, "agent plan hit the token limit",
				slog.String("task_id", exec.TaskID),
				slog.Int("iteration", iter),
				slog.Int("max_tokens", l.config.MaxTokens),
			)
		}
		plan := ParsePlan(resp.Content)
		if plan.Completed {
			exec.Status = StatusCompleted
			exec.Result = plan.Result
			return
		}

		for _, action := range plan.Actions {
			step := Step{
				Iteration: iter,
				Action:    action.Type,
				Command:   action.Command,
				Path:      action.Path,
				Reasoning: action.Reasoning,
				Critical:  action.Critical,
				Result:    l.execute(ctx, s, action),
				Timestamp: l.now(),
			}
			exec.Steps = append(exec.Steps, step)
			l.store.Put(exec)
			emit(Event{Type: EventStepCompleted, Step: &step})

			if !step.Result.Success && action.Critical {
				exec.Status = StatusFailed
				exec.Error = fmt.Sprintf("critical step failed: %s", describe(action))
				return
			}
			if ctx.Err() != nil {
				exec.Status = StatusTimeout
				return
			}
		}
	}
	exec.Status = StatusMaxIterations
}

// execute performs one action, holding the session's command slot.
func (l *Loop) execute(ctx context.Context, s *session.Session, action Action) StepResult {
	switch action.Type {
	case ActionCommand:
		if action.Command == "" {
			return StepResult{ExitCode: -1, Error: "command action without a command"}
		}
		release, err := s.Acquire()
		if err != nil {
			return StepResult{ExitCode: -1, Error: err.Error()}
		}
		defer release()
		res := l.runner.Run(ctx, s, action.Command, nil)
		return StepResult{Success: res.Success, Output: res.Output, Error: res.Error, ExitCode: res.ExitCode}

	case ActionCreateFile:
		if action.Path == "" {
			return StepResult{ExitCode: -1, Error: "create_file action without a path"}
		}
		if err := s.Workspace.WriteFile(action.Path, []byte(action.Content)); err != nil {
			return StepResult{ExitCode: -1, Error: err.Error()}
		}
		return StepResult{Success: true, Output: fmt.Sprintf("Created file: %s (%d bytes)", action.Path, len(action.Content))}

	case ActionAnalyze:
		out := "Observation recorded"
		if action.Reasoning != "" {
			out += ": " + action.Reasoning
		}
		return StepResult{Success: true, Output: out}
	}
	return StepResult{ExitCode: -1, Error: fmt.Sprintf("Unknown action type: %s", action.Type)}
}

func (l *Loop) persist(ctx context.Context, exec *Execution) {
	if l.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.history.SaveAgentRun(ctx, toRecord(exec)); err != nil {
		l.logger.Error("persisting agent run failed",
			slog.String("task_id", exec.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

func describe(a Action) string {
	if a.Command != "" {
		return a.Command
	}
	if a.Path != "" {
		return a.Type + " " + a.Path
	}
	return a.Type
}

func toRecord(e *Execution) *storage.AgentRun {
	steps, _ := json.Marshal(e.Steps)
	run := &storage.AgentRun{
		TaskID:     e.TaskID,
		SessionID:  e.SessionID,
		UserID:     e.UserID,
		Task:       e.Task,
		Status:     string(e.Status),
		Iterations: e.Iterations,
		Summary:    e.Result,
		Error:      e.Error,
		Steps:      steps,
		StartedAt:  e.StartedAt,
	}
	if e.CompletedAt != nil {
		run.CompletedAt = *e.CompletedAt
	}
	return run
}

func fromRecord(r *storage.AgentRun) *Execution {
	e := &Execution{
		TaskID:     r.TaskID,
		SessionID:  r.SessionID,
		UserID:     r.UserID,
		Task:       r.Task,
		Status:     Status(r.Status),
		Result:     r.Summary,
		Error:      r.Error,
		Iterations: r.Iterations,
		StartedAt:  r.StartedAt,
	}
	if len(r.Steps) > 0 {
		_ = json.Unmarshal(r.Steps, &e.Steps)
	}
	if !r.CompletedAt.IsZero() {
		t := r.CompletedAt
		e.CompletedAt = &t
		e.DurationMs = t.Sub(r.StartedAt).Milliseconds()
	}
	return e
}
