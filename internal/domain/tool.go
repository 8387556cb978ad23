package domain

import (
	"time"
)

// ToolOutcome classifies how a tool invocation ended.
type ToolOutcome string

const (
	OutcomeOK        ToolOutcome = "ok"
	OutcomeFailed    ToolOutcome = "failed"
	OutcomeTimeout   ToolOutcome = "timeout"
	OutcomeCancelled ToolOutcome = "cancelled"
	OutcomeRejected  ToolOutcome = "rejected"
)

// ToolInvocation describes one requested tool call. It lives only for the
// duration of the call. RunID keys the evidence logs and defaults to
// SessionID when empty.
type ToolInvocation struct {
	Tool      string
	Args      map[string]any
	SessionID string
	RunID     string
	Timeout   time.Duration
	StartedAt time.Time
}

// LogKey returns the id under which the invocation's logs are stored.
func (t ToolInvocation) LogKey() string {
	if t.RunID != "" {
		return t.RunID
	}
	return t.SessionID
}

// ToolResult is the normalized outcome of a tool call.
type ToolResult struct {
	Tool      string        `json:"tool"`
	Success   bool          `json:"success"`
	Outcome   ToolOutcome   `json:"outcome"`
	Data      any           `json:"data,omitempty"`
	RawOutput string        `json:"raw_output,omitempty"`
	Error     string        `json:"error,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
}

// Failed builds an unsuccessful result with the given outcome.
func Failed(tool string, outcome ToolOutcome, msg string) ToolResult {
	return ToolResult{Tool: tool, Outcome: outcome, Error: msg, ExitCode: -1}
}
