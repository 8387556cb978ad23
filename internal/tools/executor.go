// Package tools maps symbolic tool names to sandboxed command lines and
// normalizes their output.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/parser"
	"github.com/ashureev/shsh-recon/internal/telemetry"
	"github.com/ashureev/shsh-recon/internal/validate"
)

var (
	// ErrUnknownTool is reported for a tool name with no template.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrNoEvidence is reported when a final report is requested before
	// enough raw tool output has been recorded.
	ErrNoEvidence = errors.New("insufficient evidence for a report")
)

// Sandbox runs commands in isolated sessions.
type Sandbox interface {
	StartSession(ctx context.Context, id string) error
	RunCommand(ctx context.Context, id string, argv []string, timeout time.Duration) domain.ToolResult
	Timeout(tool string) time.Duration
}

// LogStore receives tool logs and supplies the evidence for reports.
type LogStore interface {
	AppendRunLog(ctx context.Context, id string, lines ...string) error
	AppendRawLog(ctx context.Context, id string, lines ...string) error
	RawLogs(ctx context.Context, id string) ([]string, error)
}

// Options configures an Executor.
type Options struct {
	// MinEvidenceLines is the number of non-blank raw log lines required
	// before generate_final_report succeeds.
	MinEvidenceLines int
	// MaxOutputLines bounds the raw output kept in results and logs.
	MaxOutputLines int
	Metrics        *telemetry.Metrics
	PersistTimeout time.Duration
}

// Executor runs tools through the sandbox manager.
type Executor struct {
	sandbox Sandbox
	logs    LogStore
	opts    Options
}

// NewExecutor creates an Executor.
func NewExecutor(sb Sandbox, logs LogStore, opts Options) *Executor {
	if opts.MinEvidenceLines <= 0 {
		opts.MinEvidenceLines = 5
	}
	if opts.MaxOutputLines <= 0 {
		opts.MaxOutputLines = 200
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	return &Executor{sandbox: sb, logs: logs, opts: opts}
}

// Execute runs one tool invocation. Every failure is reported in the result.
func (e *Executor) Execute(ctx context.Context, inv domain.ToolInvocation) domain.ToolResult {
	ctx, span := telemetry.StartToolSpan(ctx, inv.Tool, inv.SessionID)
	started := time.Now()

	res := e.execute(ctx, inv)
	res.Tool = inv.Tool
	if res.Duration == 0 {
		res.Duration = time.Since(started)
	}

	e.opts.Metrics.ToolCall(ctx, inv.Tool, string(res.Outcome), res.Duration)
	e.persist(ctx, inv, res)

	var spanErr error
	if !res.Success {
		spanErr = errors.New(res.Error)
	}
	telemetry.EndSpan(span, spanErr)
	return res
}

func (e *Executor) execute(ctx context.Context, inv domain.ToolInvocation) domain.ToolResult {
	if inv.Tool == FinalReport {
		return e.finalReport(ctx, inv)
	}

	t, ok := templates[inv.Tool]
	if !ok {
		return domain.Failed(inv.Tool, domain.OutcomeRejected, fmt.Sprintf("%v: %s", ErrUnknownTool, inv.Tool))
	}

	target, _ := inv.Args["target"].(string)
	clean, err := cleanTarget(target)
	if err != nil {
		return domain.Failed(inv.Tool, domain.OutcomeRejected, err.Error())
	}
	argv, err := t.argv(clean, inv.Args)
	if err != nil {
		return domain.Failed(inv.Tool, domain.OutcomeRejected, err.Error())
	}

	if err := e.sandbox.StartSession(ctx, inv.SessionID); err != nil {
		return domain.Failed(inv.Tool, domain.OutcomeFailed, err.Error())
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = e.sandbox.Timeout(inv.Tool)
	}
	res := e.sandbox.RunCommand(ctx, inv.SessionID, argv, timeout)
	full := strings.TrimRight(res.RawOutput, "\n")
	// Partial output from failed runs is still worth parsing; the result
	// stays unsuccessful. Parsing sees the whole output, only the copy kept
	// in the result is bounded.
	if res.Outcome == domain.OutcomeOK || res.Outcome == domain.OutcomeFailed {
		res.Data = t.parse(full, clean)
	}
	res.RawOutput = parser.Summarize(full, e.opts.MaxOutputLines)
	return res
}

// cleanTarget validates a domain-shaped argument and strips anything outside
// the shell-safe alphabet.
func cleanTarget(target string) (string, error) {
	v := validate.Domain(target)
	if !v.Valid {
		return "", fmt.Errorf("invalid target: %s", v.Error)
	}
	clean := validate.SanitizeForShell(v.Sanitized)
	if clean != v.Sanitized {
		return "", fmt.Errorf("invalid target: unsafe characters in %q", v.Sanitized)
	}
	return clean, nil
}

// finalReport checks that enough raw evidence exists. It runs nothing.
func (e *Executor) finalReport(ctx context.Context, inv domain.ToolInvocation) domain.ToolResult {
	raw, err := e.logs.RawLogs(ctx, inv.LogKey())
	if err != nil {
		return domain.Failed(FinalReport, domain.OutcomeFailed, fmt.Sprintf("read evidence: %v", err))
	}

	var evidence []string
	for _, line := range raw {
		if strings.TrimSpace(line) != "" {
			evidence = append(evidence, line)
		}
	}
	if len(evidence) < e.opts.MinEvidenceLines {
		err := fmt.Errorf("%w: %d raw log lines recorded, %d required; run reconnaissance tools first",
			ErrNoEvidence, len(evidence), e.opts.MinEvidenceLines)
		return domain.Failed(FinalReport, domain.OutcomeRejected, err.Error())
	}

	summary, _ := inv.Args["summary"].(string)
	return domain.ToolResult{
		Tool:     FinalReport,
		Success:  true,
		Outcome:  domain.OutcomeOK,
		ExitCode: 0,
		Data: map[string]any{
			"evidence_lines": len(evidence),
			"summary":        summary,
			"excerpt":        parser.Summarize(strings.Join(evidence, "\n"), 40),
		},
	}
}

// persist records the result in the run logs. Failures are logged only.
func (e *Executor) persist(ctx context.Context, inv domain.ToolInvocation, res domain.ToolResult) {
	if e.logs == nil {
		return
	}
	key := inv.LogKey()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.PersistTimeout)
	defer cancel()

	line := fmt.Sprintf("%s: %s in %s", inv.Tool, res.Outcome, res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		line += " (" + res.Error + ")"
	}
	if err := e.logs.AppendRunLog(ctx, key, line); err != nil {
		slog.Warn("Failed to persist tool log", "run_id", key, "tool", inv.Tool, "error", err)
	}

	// Only successful output counts as evidence; stderr from a missing
	// binary or a refused connection must not satisfy the report guard.
	if inv.Tool == FinalReport || res.Outcome != domain.OutcomeOK || res.RawOutput == "" {
		return
	}
	var lines []string
	for _, l := range strings.Split(res.RawOutput, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if err := e.logs.AppendRawLog(ctx, key, lines...); err != nil {
		slog.Warn("Failed to persist raw tool output", "run_id", key, "tool", inv.Tool, "error", err)
	}
}
