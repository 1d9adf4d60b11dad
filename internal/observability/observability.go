// Package observability wires Prometheus metrics, OpenTelemetry tracing,
// readiness checks and backend error-rate alerts into warp. Every piece is
// optional: the accessors are nil-safe and a nil collector records nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/warp/internal/config"
)

// Observability bundles the enabled components. Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg disables everything
// and yields a nil *Observability.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	tracer, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	obs := &Observability{Tracer: tracer, Health: NewHealthChecker(logger)}
	if m := cfg.Metrics; m != nil && m.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if a := cfg.Anomaly; a != nil && a.Enabled {
		obs.Anomaly = NewAnomalyDetector(a, logger)
	}
	return obs, nil
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	_ = o.Tracer.Shutdown(ctx)
}

func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}
