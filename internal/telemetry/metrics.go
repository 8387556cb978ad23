package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "shsh-recon"

// Metrics holds the service's metric instruments. A nil *Metrics records
// nothing, so components may run without telemetry.
type Metrics struct {
	ToolCalls      metric.Int64Counter
	ToolDuration   metric.Float64Histogram
	RunsStarted    metric.Int64Counter
	RunsFinished   metric.Int64Counter
	LLMAttempts    metric.Int64Counter
	StagesFinished metric.Int64Counter
	SessionsReaped metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ToolCalls, err = meter.Int64Counter("recon.tool.calls",
		metric.WithDescription("Number of tool invocations"))
	if err != nil {
		return nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram("recon.tool.duration_seconds",
		metric.WithDescription("Tool execution time in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("recon.agent.runs.started",
		metric.WithDescription("Number of agent runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("recon.agent.runs.finished",
		metric.WithDescription("Number of agent runs finished, by status"))
	if err != nil {
		return nil, err
	}

	m.LLMAttempts, err = meter.Int64Counter("recon.llm.attempts",
		metric.WithDescription("Language model calls, by decision"))
	if err != nil {
		return nil, err
	}

	m.StagesFinished, err = meter.Int64Counter("recon.pipeline.stages.finished",
		metric.WithDescription("Pipeline stages finished, by stage and status"))
	if err != nil {
		return nil, err
	}

	m.SessionsReaped, err = meter.Int64Counter("recon.sandbox.sessions.reaped",
		metric.WithDescription("Idle sandbox sessions reaped"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(ctx context.Context, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

// RunStarted records the start of an agent run.
func (m *Metrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1)
}

// RunFinished records the terminal status of an agent run.
func (m *Metrics) RunFinished(ctx context.Context, status string, iterations int) {
	if m == nil {
		return
	}
	m.RunsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Int("iterations", iterations),
	))
}

// LLMAttempt records one model call and the retry decision taken after it.
func (m *Metrics) LLMAttempt(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.LLMAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// StageFinished records a pipeline stage result.
func (m *Metrics) StageFinished(ctx context.Context, stage, status string) {
	if m == nil {
		return
	}
	m.StagesFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

// Reaped records sessions removed by the idle sweep.
func (m *Metrics) Reaped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SessionsReaped.Add(ctx, int64(n))
}
