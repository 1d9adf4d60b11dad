package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Readiness states.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"    // an optional dependency is down
	StatusUnavailable = "unavailable" // a required dependency is down
)

// HealthChecker runs dependency checks for the readiness endpoint. Required
// checks (the history store) gate readiness; optional ones (the heavy
// backend, which has a light fallback) only degrade it.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []healthCheck
	logger *slog.Logger
}

type healthCheck struct {
	name     string
	required bool
	fn       func(ctx context.Context) error
}

// HealthStatus is the body of the readiness endpoint.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether traffic should be routed to this instance.
func (s HealthStatus) Ready() bool { return s.Status != StatusUnavailable }

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Required  bool   `json:"required"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// NewHealthChecker creates a HealthChecker. logger may be nil.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a required check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.add(healthCheck{name: name, required: true, fn: check})
}

// AddOptionalCheck registers a check whose failure only degrades readiness.
func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) error) {
	h.add(healthCheck{name: name, fn: check})
}

func (h *HealthChecker) add(c healthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// CheckHealth is the liveness answer: the process is serving.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs every check concurrently under a shared timeout.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]healthCheck(nil), h.checks...)
	h.mu.RUnlock()
	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c healthCheck) {
			defer wg.Done()
			start := time.Now()
			err := c.fn(ctx)
			r := CheckResult{Status: "ok", Required: c.required, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				r.Status = "fail"
				r.Message = err.Error()
			}
			results[i] = r
		}(i, c)
	}
	wg.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for i, c := range checks {
		r := results[i]
		status.Checks[c.name] = r
		if r.Status == "ok" {
			continue
		}
		if c.required {
			status.Status = StatusUnavailable
		} else if status.Status == StatusOK {
			status.Status = StatusDegraded
		}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.name),
				slog.Bool("required", c.required),
				slog.String("error", r.Message),
			)
		}
	}
	return status
}
