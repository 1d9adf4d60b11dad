package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warp/internal/llm"
	"github.com/jkaninda/warp/internal/sandbox"
)

var (
	_ llm.Provider    = (*InstrumentedProvider)(nil)
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
)

// callTrace is the per-call bookkeeping shared by the wrappers: an optional span
// plus the start time. Both are safe to use when tracing is off.
type callTrace struct {
	span  trace.Span
	start time.Time
}

func startCall(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, callTrace) {
	p := callTrace{start: time.Now()}
	if tracer != nil {
		ctx, p.span = tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return ctx, p
}

// end closes the span and returns the elapsed seconds.
func (p callTrace) end(err error, attrs ...attribute.KeyValue) float64 {
	if p.span != nil {
		if len(attrs) > 0 {
			p.span.SetAttributes(attrs...)
		}
		if err != nil {
			p.span.RecordError(err)
			p.span.SetStatus(codes.Error, err.Error())
		}
		p.span.End()
	}
	return time.Since(p.start).Seconds()
}

func tracerOf(ts *TracerSetup) trace.Tracer {
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}

// InstrumentedProvider records latency, token usage and failures of the
// agent's LLM calls.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps inner. Every collaborator may be nil.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	return &InstrumentedProvider{inner: inner, metrics: metrics, tracer: tracerOf(ts), anomaly: anomaly}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	name := p.inner.Name()
	ctx, pr := startCall(ctx, p.tracer, "agent.llm", attribute.String("llm.provider", name))

	resp, err := p.inner.SendMessage(ctx, req)

	var attrs []attribute.KeyValue
	if resp != nil {
		attrs = append(attrs,
			attribute.Int("llm.tokens.input", resp.Usage.InputTokens),
			attribute.Int("llm.tokens.output", resp.Usage.OutputTokens),
		)
	}
	elapsed := pr.end(err, attrs...)

	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.LLMRequestsTotal.WithLabelValues(name, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(name).Observe(elapsed)
		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(name, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(name, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}
	if err != nil {
		p.anomaly.RecordError("llm")
	} else {
		p.anomaly.RecordSuccess("llm")
	}
	return resp, err
}

// InstrumentedSandbox records every command a sandbox backend runs. A
// non-zero exit is a normal outcome for a shell command, so only backend
// errors count toward the anomaly window.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	kind    string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps inner. kind labels the backend ("process",
// "docker", "heavy-docker", ...).
func NewInstrumentedSandbox(inner sandbox.Sandbox, kind string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	return &InstrumentedSandbox{inner: inner, kind: kind, metrics: metrics, tracer: tracerOf(ts), anomaly: anomaly}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	ctx, pr := startCall(ctx, s.tracer, "sandbox.exec",
		attribute.String("sandbox.type", s.kind),
		attribute.String("sandbox.workdir", req.WorkingDir),
	)

	res, err := s.inner.Execute(ctx, req)

	status := executionStatus(res, err)
	var attrs []attribute.KeyValue
	if res != nil {
		attrs = append(attrs,
			attribute.Int("sandbox.exit_code", res.ExitCode),
			attribute.Bool("sandbox.timed_out", res.TimedOut),
		)
	}
	elapsed := pr.end(err, attrs...)

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.kind, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.kind).Observe(elapsed)
	}
	if err != nil {
		s.anomaly.RecordError("sandbox_" + s.kind)
	} else {
		s.anomaly.RecordSuccess("sandbox_" + s.kind)
	}
	return res, err
}

// executionStatus is the metric label for one sandbox call.
func executionStatus(res *sandbox.ExecutionResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case res == nil:
		return "success"
	case res.TimedOut:
		return "timeout"
	case res.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}
