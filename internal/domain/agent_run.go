package domain

import (
	"encoding/json"
	"time"
)

// RunStatus is the coarse state of an agent run as shown to operators.
type RunStatus string

const (
	RunThinking  RunStatus = "thinking"
	RunExecuting RunStatus = "executing"
	RunAnalyzing RunStatus = "analyzing"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// AgentRun is the status record of one conversation's reasoning run.
type AgentRun struct {
	ID            string    `json:"id"`
	Status        RunStatus `json:"status"`
	Thought       string    `json:"thought,omitempty"`
	Logs          []string  `json:"logs"`
	RawLogs       []string  `json:"raw_logs"`
	CurrentTool   string    `json:"current_tool,omitempty"`
	FinalResponse string    `json:"final_response,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StatusUpdate is a single status transition pushed to the store and to
// live subscribers.
type StatusUpdate struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	Thought     string    `json:"thought,omitempty"`
	CurrentTool string    `json:"current_tool,omitempty"`
	Final       string    `json:"final_response,omitempty"`
	At          time.Time `json:"at"`
}

// StoredMessage is a serialized chat message entry.
type StoredMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
