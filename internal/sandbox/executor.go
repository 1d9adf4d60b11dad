package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/session"
)

// QuotaCommand is the built-in verb that reports workspace storage usage.
const QuotaCommand = "/quota"

// Result is the outcome of a light-path command.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timedOut,omitempty"`
	// Kind is set when the failure belongs to the error taxonomy.
	Kind apperr.Kind `json:"kind,omitempty"`
}

// Executor is the light execution path: guard, built-in verbs, then a
// sandboxed child process jailed to the session's workspace.
type Executor struct {
	sandbox Sandbox
	guard   *Guard
	logger  *slog.Logger
}

// NewExecutor creates an Executor. A nil guard uses the default deny-list.
func NewExecutor(sb Sandbox, guard *Guard, logger *slog.Logger) *Executor {
	if guard == nil {
		guard = NewGuard()
	}
	return &Executor{sandbox: sb, guard: guard, logger: logger}
}

// Guard returns the executor's deny-list.
func (e *Executor) Guard() *Guard { return e.guard }

// Run executes command for the session. It never returns an error: every
// failure is a Result with Success=false and a human-readable Error.
func (e *Executor) Run(ctx context.Context, s *session.Session, command string, sink io.Writer) *Result {
	start := time.Now()
	command = strings.TrimSpace(command)
	if command == "" {
		return &Result{ExitCode: -1, Error: "No command provided"}
	}

	if reason := e.guard.Check(command); reason != "" {
		e.logger.Warn("command blocked",
			slog.String("session_id", s.ID),
			slog.String("reason", reason),
		)
		return &Result{
			ExitCode: -1,
			Error:    "Command blocked for security: " + command,
			Kind:     apperr.KindCommandBlocked,
		}
	}

	if target, ok := parseCd(command); ok {
		return e.changeDir(s, target)
	}
	if command == QuotaCommand {
		return e.quota(s)
	}

	cwd := s.Cwd()
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		// The directory was removed underneath the session.
		cwd = s.Workspace.Root
		s.SetCwd(cwd)
	}

	res, err := e.sandbox.Execute(ctx, ExecutionRequest{
		Command:    []string{"bash", "-c", command},
		WorkingDir: cwd,
		Env: map[string]string{
			"HOME":         s.Workspace.Root,
			"WARP_SESSION": s.ID,
			"WARP_USER":    s.UserID,
			"WARP_JAIL":    "1",
		},
		Timeout: s.ProcessTimeout,
		Sink:    sink,
	})
	if err != nil {
		kind := apperr.KindInternal
		if ctx.Err() != nil {
			kind = apperr.KindExecutionTimeout
		}
		return &Result{ExitCode: -1, Error: err.Error(), Kind: kind, Duration: time.Since(start)}
	}

	if res.TimedOut {
		return &Result{
			Output:   res.Stdout,
			Error:    fmt.Sprintf("Command timeout (%ds max)", int(s.ProcessTimeout.Seconds())),
			ExitCode: -1,
			Duration: res.Duration,
			TimedOut: true,
			Kind:     apperr.KindExecutionTimeout,
		}
	}

	out := &Result{
		Success:  res.ExitCode == 0,
		Output:   res.Stdout,
		Error:    res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}
	if !out.Success && strings.TrimSpace(out.Error) == "" {
		out.Error = fmt.Sprintf("command exited with status %d", res.ExitCode)
	}
	return out
}

// parseCd recognizes a bare directory change. Compound commands such as
// "cd app && make" run as ordinary shell commands.
func parseCd(command string) (string, bool) {
	if command != "cd" && !strings.HasPrefix(command, "cd ") {
		return "", false
	}
	if strings.ContainsAny(command, ";&|<>`$(") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(command, "cd")), true
}

func (e *Executor) changeDir(s *session.Session, target string) *Result {
	dir, err := s.Workspace.Resolve(s.Cwd(), target)
	if err != nil {
		return &Result{ExitCode: 1, Error: apperr.Message(err), Kind: apperr.KindOf(err)}
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &Result{ExitCode: 1, Error: "Directory not found: " + target}
	}
	s.SetCwd(dir)
	return &Result{
		Success: true,
		Output:  "Changed directory to: " + s.Workspace.Display(dir),
	}
}

func (e *Executor) quota(s *session.Session) *Result {
	q, err := s.Workspace.Usage()
	if err != nil {
		return &Result{ExitCode: 1, Error: err.Error(), Kind: apperr.KindInternal}
	}
	return &Result{
		Success: true,
		Output: fmt.Sprintf("Storage used: %s of %s (%d%%)\nRemaining: %s",
			formatMB(q.Used), formatMB(q.Quota), q.Percentage, formatMB(q.Remaining)),
	}
}

func formatMB(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
}
