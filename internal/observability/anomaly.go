package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/warp/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	// minAnomalySamples is the smallest window that can raise an alert.
	minAnomalySamples = 5
)

// AnomalyDetector tracks the outcome of calls to each execution backend
// (light sandbox, heavy backend, llm provider) over a sliding window. It
// logs once when a backend's error rate rises above the threshold and once
// when it recovers.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    time.Duration
	threshold float64
	backends  map[string]*outcomes
	logger    *slog.Logger
	now       func() time.Time
}

type outcome struct {
	at     time.Time
	failed bool
}

type outcomes struct {
	list     []outcome
	failures int
	alerting bool
}

// NewAnomalyDetector creates a detector. logger may be nil.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		window:   defaultAnomalyWindow,
		backends: make(map[string]*outcomes),
		logger:   logger,
		now:      time.Now,
	}
	if cfg != nil {
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		a.threshold = cfg.ErrorRateThreshold
	}
	return a
}

// RecordError records a failed call to backend.
func (a *AnomalyDetector) RecordError(backend string) { a.record(backend, true) }

// RecordSuccess records a successful call to backend.
func (a *AnomalyDetector) RecordSuccess(backend string) { a.record(backend, false) }

// ErrorRate returns the failure ratio for backend and the number of calls
// it was computed over.
func (a *AnomalyDetector) ErrorRate(backend string) (float64, float64) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.backends[backend]
	if !ok {
		return 0, 0
	}
	o.expire(a.now().Add(-a.window))
	return o.rate(), float64(len(o.list))
}

// Alerting reports whether backend is currently above the threshold.
func (a *AnomalyDetector) Alerting(backend string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.backends[backend]
	return ok && o.alerting
}

func (a *AnomalyDetector) record(backend string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.backends[backend]
	if !ok {
		o = &outcomes{}
		a.backends[backend] = o
	}
	now := a.now()
	o.list = append(o.list, outcome{at: now, failed: failed})
	if failed {
		o.failures++
	}
	o.expire(now.Add(-a.window))

	if a.threshold <= 0 || len(o.list) < minAnomalySamples {
		return
	}
	rate := o.rate()
	switch {
	case rate > a.threshold && !o.alerting:
		o.alerting = true
		if a.logger != nil {
			a.logger.Warn("backend error rate above threshold",
				slog.String("backend", backend),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", a.threshold),
				slog.Int("calls", len(o.list)),
			)
		}
	case rate <= a.threshold && o.alerting:
		o.alerting = false
		if a.logger != nil {
			a.logger.Info("backend error rate recovered",
				slog.String("backend", backend),
				slog.Float64("error_rate", rate),
			)
		}
	}
}

// expire drops outcomes recorded before cutoff.
func (o *outcomes) expire(cutoff time.Time) {
	n := 0
	for n < len(o.list) && o.list[n].at.Before(cutoff) {
		if o.list[n].failed {
			o.failures--
		}
		n++
	}
	if n > 0 {
		o.list = append(o.list[:0], o.list[n:]...)
	}
}

func (o *outcomes) rate() float64 {
	if len(o.list) == 0 {
		return 0
	}
	return float64(o.failures) / float64(len(o.list))
}
