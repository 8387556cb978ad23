// Package agent runs the Think, Act, Observe loop that drives tool calls from
// a language model, with bounded iterations and history compression.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/llm"
	"github.com/ashureev/shsh-recon/internal/parser"
	"github.com/ashureev/shsh-recon/internal/store"
	"github.com/ashureev/shsh-recon/internal/telemetry"
)

var (
	// ErrRunInProgress is returned when a conversation already has an active run.
	ErrRunInProgress = errors.New("a run is already in progress for this conversation")
	// ErrConnectionLost is reported when the model could not be reached.
	ErrConnectionLost = errors.New("connection to language model lost")
	// ErrInvalidRequest is returned for a request missing required fields.
	ErrInvalidRequest = errors.New("invalid run request")
)

// DefaultMaxIterations bounds the reasoning loop.
const DefaultMaxIterations = 5

// Executor runs tools on behalf of the loop.
type Executor interface {
	Execute(ctx context.Context, inv domain.ToolInvocation) domain.ToolResult
	Catalog() []llm.Tool
}

// Store is the persistence the loop needs.
type Store interface {
	store.RunStore
	store.HistoryStore
}

// CancelChecker reads the operator cancellation flag for a run.
type CancelChecker interface {
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// StatusPublisher pushes status updates to live subscribers.
type StatusPublisher interface {
	Publish(u domain.StatusUpdate)
}

// Options configures a Controller.
type Options struct {
	MaxIterations  int
	SystemPrompt   string
	Retry          RetryPolicy
	Cancel         CancelChecker
	Publisher      StatusPublisher
	Transcript     TranscriptLogger
	Metrics        *telemetry.Metrics
	PersistTimeout time.Duration
	// MaxToolOutputLines bounds raw output placed in tool messages.
	MaxToolOutputLines int
	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Controller drives reasoning runs. One run per conversation at a time.
type Controller struct {
	llm        llm.Provider
	exec       Executor
	store      Store
	compressor *Compressor
	opts       Options
	locks      sync.Map // conversation id -> *sync.Mutex
}

// NewController creates a Controller. compressor may be nil to disable
// history compression.
func NewController(p llm.Provider, exec Executor, st Store, compressor *Compressor, opts Options) *Controller {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.MaxToolOutputLines <= 0 {
		opts.MaxToolOutputLines = 60
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Transcript == nil {
		opts.Transcript = noopTranscriptLogger{}
	}
	return &Controller{llm: p, exec: exec, store: st, compressor: compressor, opts: opts}
}

// RunRequest is one operator message.
type RunRequest struct {
	ConversationID string
	// SessionID names the sandbox session; it defaults to ConversationID.
	SessionID string
	Message   string
}

// run is the in-memory state of one reasoning run. It is the source of
// truth while the run lasts; the store mirrors it best-effort.
type run struct {
	req      RunRequest
	record   domain.AgentRun
	messages []llm.Message
	outcomes []toolOutcome
}

// Run executes one reasoning run to completion. It only returns an error
// when the run could not start; model, tool and store failures end the run
// with a failed or degraded status instead.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*domain.AgentRun, error) {
	req, unlock, err := c.acquire(req)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.run(ctx, req), nil
}

// Start begins a run in the background and returns once it holds the
// conversation lock. done, if non-nil, receives the finished record.
func (c *Controller) Start(ctx context.Context, req RunRequest, done func(*domain.AgentRun)) error {
	req, unlock, err := c.acquire(req)
	if err != nil {
		return err
	}
	go func() {
		defer unlock()
		rec := c.run(ctx, req)
		if done != nil {
			done(rec)
		}
	}()
	return nil
}

func (c *Controller) acquire(req RunRequest) (RunRequest, func(), error) {
	if req.ConversationID == "" {
		return req, nil, fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return req, nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if req.SessionID == "" {
		req.SessionID = req.ConversationID
	}

	lock, _ := c.locks.LoadOrStore(req.ConversationID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	if !mu.TryLock() {
		return req, nil, ErrRunInProgress
	}
	id := req.ConversationID
	return req, func() {
		c.locks.Delete(id)
		mu.Unlock()
	}, nil
}

func (c *Controller) run(ctx context.Context, req RunRequest) *domain.AgentRun {
	ctx, span := telemetry.StartRunSpan(ctx, req.ConversationID, req.SessionID)
	defer span.End()
	c.opts.Metrics.RunStarted(ctx)

	r := c.initialize(ctx, req)
	iterations := c.iterate(ctx, r)
	c.finalize(ctx, r)

	c.opts.Metrics.RunFinished(ctx, string(r.record.Status), iterations)
	out := r.record
	return &out
}

func (c *Controller) initialize(ctx context.Context, req RunRequest) *run {
	now := c.opts.Now()
	r := &run{
		req: req,
		record: domain.AgentRun{
			ID:        req.ConversationID,
			Status:    domain.RunThinking,
			Logs:      []string{},
			RawLogs:   []string{},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	pctx, cancel := c.persistContext(ctx)
	if _, err := c.store.CreateRun(pctx, req.ConversationID); err != nil {
		slog.Warn("Failed to create run record", "conversation_id", req.ConversationID, "error", err)
	}
	c.resetCancel(pctx, req)
	stored, err := c.store.History(pctx, req.ConversationID)
	cancel()
	if err != nil {
		slog.Warn("Failed to load history, starting fresh", "conversation_id", req.ConversationID, "error", err)
	}
	history := fromStored(stored)

	c.opts.Transcript.Log(TranscriptEvent{
		ConversationID: req.ConversationID,
		Direction:      "inbound",
		EventType:      "user_message",
		ContentRaw:     req.Message,
	})

	r.messages = append(r.messages, llm.Message{Role: llm.RoleSystem, Content: c.opts.SystemPrompt})
	if c.compressor != nil && c.compressor.ShouldCompress(history) {
		c.report(ctx, r, domain.StatusUpdate{Status: domain.RunThinking, Thought: "Summarizing earlier conversation"})
		summary := c.compressor.Compress(ctx, history)
		slog.Info("History compressed", "conversation_id", req.ConversationID, "turns", len(history))
		r.messages = append(r.messages, llm.Message{Role: llm.RoleSystem, Content: summaryMessage(summary)})
	} else {
		r.messages = append(r.messages, history...)
	}
	r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, Content: req.Message})
	return r
}

// resetCancel clears flags left by a cancelled previous turn. CreateRun
// resets the conversation's flag in the store, but a cached copy may still
// be set, and a flagged sandbox session would refuse every command.
func (c *Controller) resetCancel(ctx context.Context, req RunRequest) {
	if inv, ok := c.opts.Cancel.(interface{ Invalidate(id string) }); ok {
		inv.Invalidate(req.ConversationID)
	}
	if req.SessionID == req.ConversationID {
		return
	}
	setter, ok := c.opts.Cancel.(interface {
		SetCancelled(ctx context.Context, id string, cancelled bool) error
	})
	if !ok {
		return
	}
	if err := setter.SetCancelled(ctx, req.SessionID, false); err != nil {
		slog.Warn("Failed to clear session cancel flag", "conversation_id", req.ConversationID, "session_id", req.SessionID, "error", err)
	}
}

// iterate runs Think, Act, Observe until a final answer, a failure or the
// iteration cap. It returns the number of model turns taken.
func (c *Controller) iterate(ctx context.Context, r *run) int {
	catalog := c.exec.Catalog()
	for i := 1; i <= c.opts.MaxIterations; i++ {
		if c.cancelled(ctx, r.req.ConversationID) {
			r.record.Status = domain.RunFailed
			r.record.FinalResponse = cancelledMessage
			return i - 1
		}

		c.report(ctx, r, domain.StatusUpdate{
			Status:  domain.RunThinking,
			Thought: fmt.Sprintf("Step %d of %d: choosing the next action", i, c.opts.MaxIterations),
		})

		resp, err := c.complete(ctx, r, llm.Request{Messages: r.messages, Tools: catalog, ToolChoice: llm.ToolChoiceAuto})
		if err != nil {
			slog.Error("Model unavailable, ending run", "conversation_id", r.req.ConversationID, "error", err)
			r.record.Status = domain.RunFailed
			r.record.FinalResponse = connectionLostMessage
			return i
		}

		if len(resp.ToolCalls) == 0 {
			r.record.Status = domain.RunCompleted
			r.record.FinalResponse = strings.TrimSpace(resp.Content)
			if r.record.FinalResponse == "" {
				r.record.FinalResponse = "The model returned an empty answer."
			}
			return i
		}

		r.messages = append(r.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			c.act(ctx, r, call, resp.Content)
		}
	}

	r.record.Status = domain.RunCompleted
	r.record.FinalResponse = capReachedMessage(c.opts.MaxIterations, r.outcomes)
	slog.Warn("Iteration cap reached", "conversation_id", r.req.ConversationID, "max_iterations", c.opts.MaxIterations)
	return c.opts.MaxIterations
}

// act executes one tool call and appends its observation.
func (c *Controller) act(ctx context.Context, r *run, call llm.ToolCall, thought string) {
	name := call.Function.Name
	c.report(ctx, r, domain.StatusUpdate{Status: domain.RunExecuting, Thought: thought, CurrentTool: name})

	var res domain.ToolResult
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			res = domain.Failed(name, domain.OutcomeRejected, fmt.Sprintf("arguments are not a JSON object: %v", err))
		}
	}
	if res.Outcome == "" {
		res = c.exec.Execute(ctx, domain.ToolInvocation{
			Tool:      name,
			Args:      args,
			SessionID: r.req.SessionID,
			RunID:     r.req.ConversationID,
			StartedAt: c.opts.Now(),
		})
	}

	r.outcomes = append(r.outcomes, toolOutcome{tool: name, outcome: res.Outcome, err: res.Error})
	r.record.Logs = append(r.record.Logs, fmt.Sprintf("%s: %s", name, res.Outcome))
	content := c.observation(res)
	r.messages = append(r.messages, llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		Name:       name,
		Content:    content,
	})
	c.opts.Transcript.Log(TranscriptEvent{
		ConversationID: r.req.ConversationID,
		Direction:      "internal",
		EventType:      "tool_result",
		ContentRaw:     content,
		Meta:           map[string]any{"tool": name, "outcome": string(res.Outcome)},
	})

	c.report(ctx, r, domain.StatusUpdate{
		Status:  domain.RunAnalyzing,
		Thought: fmt.Sprintf("Analyzing %s result (%s)", name, res.Outcome),
	})
}

// observation renders a tool result for the model.
func (c *Controller) observation(res domain.ToolResult) string {
	payload := struct {
		Tool      string             `json:"tool"`
		Success   bool               `json:"success"`
		Outcome   domain.ToolOutcome `json:"outcome"`
		Error     string             `json:"error,omitempty"`
		Data      any                `json:"data,omitempty"`
		RawOutput string             `json:"raw_output,omitempty"`
	}{
		Tool:      res.Tool,
		Success:   res.Success,
		Outcome:   res.Outcome,
		Error:     res.Error,
		Data:      res.Data,
		RawOutput: parser.Summarize(res.RawOutput, c.opts.MaxToolOutputLines),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"tool":%q,"success":false,"error":"unencodable result"}`, res.Tool)
	}
	return string(b)
}

// complete calls the model through the retry state machine.
func (c *Controller) complete(ctx context.Context, r *run, req llm.Request) (*llm.Response, error) {
	for retries := 0; ; retries++ {
		resp, err := c.llm.Complete(ctx, req)
		if err == nil {
			c.opts.Metrics.LLMAttempt(ctx, "ok")
			return resp, nil
		}

		decision := c.opts.Retry.Decide(retries, err)
		c.opts.Metrics.LLMAttempt(ctx, decision.String())
		switch decision {
		case Retry:
			delay := c.opts.Retry.Backoff(retries)
			slog.Warn("Model call failed, retrying", "conversation_id", r.req.ConversationID, "attempt", retries+1, "delay", delay, "error", err)
			if serr := c.opts.Sleep(ctx, delay); serr != nil {
				return nil, fmt.Errorf("%w: %v", ErrConnectionLost, serr)
			}
		case Fallback:
			slog.Warn("Model rejected request, retrying without tools", "conversation_id", r.req.ConversationID, "error", err)
			return c.fallback(ctx, req)
		default:
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
}

// fallback sends a single tool-less request with a notice appended.
func (c *Controller) fallback(ctx context.Context, req llm.Request) (*llm.Response, error) {
	msgs := make([]llm.Message, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		// Tool-call turns are meaningless without tools and often the
		// reason for the rejection.
		if m.Role == llm.RoleTool {
			m = llm.Message{Role: llm.RoleUser, Content: "Tool output (" + m.Name + "): " + m.Content}
		} else if len(m.ToolCalls) > 0 {
			m = llm.Message{Role: m.Role, Content: m.Content}
			if m.Content == "" {
				continue
			}
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: fallbackNotice})

	resp, err := c.llm.Complete(ctx, llm.Request{Messages: msgs, ToolChoice: llm.ToolChoiceNone})
	if err != nil {
		return nil, fmt.Errorf("%w: fallback failed: %v", ErrConnectionLost, err)
	}
	// Ignore any tool calls; tools were disabled.
	resp.ToolCalls = nil
	return resp, nil
}

// finalize records the answer and persists the turn. Failures are logged.
func (c *Controller) finalize(ctx context.Context, r *run) {
	final := r.record.FinalResponse
	r.messages = append(r.messages, llm.Message{Role: llm.RoleAssistant, Content: final})

	pctx, cancel := c.persistContext(ctx)
	now := c.opts.Now()
	err := c.store.AppendHistory(pctx, r.req.ConversationID,
		domain.StoredMessage{Role: llm.RoleUser, Content: r.req.Message, CreatedAt: now},
		domain.StoredMessage{Role: llm.RoleAssistant, Content: final, CreatedAt: now},
	)
	cancel()
	if err != nil {
		slog.Warn("Failed to persist conversation turn", "conversation_id", r.req.ConversationID, "error", err)
	}

	c.opts.Transcript.Log(TranscriptEvent{
		ConversationID: r.req.ConversationID,
		Direction:      "outbound",
		EventType:      "assistant_message",
		ContentRaw:     final,
		Meta:           map[string]any{"status": string(r.record.Status), "tools_used": len(r.outcomes)},
	})

	c.report(ctx, r, domain.StatusUpdate{Status: r.record.Status, Final: final})
	slog.Info("Run finished", "conversation_id", r.req.ConversationID, "status", r.record.Status, "tools_used", len(r.outcomes))
}

// report applies a status transition in memory, then pushes it to the store
// and to subscribers. Push failures are logged and ignored.
func (c *Controller) report(ctx context.Context, r *run, u domain.StatusUpdate) {
	u.RunID = r.req.ConversationID
	u.At = c.opts.Now()

	r.record.Status = u.Status
	if u.Thought != "" {
		r.record.Thought = u.Thought
	}
	r.record.CurrentTool = u.CurrentTool
	if u.Final != "" {
		r.record.FinalResponse = u.Final
	}
	r.record.UpdatedAt = u.At

	pctx, cancel := c.persistContext(ctx)
	defer cancel()
	if err := c.store.UpdateRunStatus(pctx, u); err != nil {
		slog.Warn("Failed to push run status", "conversation_id", u.RunID, "status", u.Status, "error", err)
	}
	if u.Thought != "" {
		if err := c.store.AppendRunLog(pctx, u.RunID, fmt.Sprintf("[%s] %s", u.Status, u.Thought)); err != nil {
			slog.Debug("Failed to append run log", "conversation_id", u.RunID, "error", err)
		}
	}
	if c.opts.Publisher != nil {
		c.opts.Publisher.Publish(u)
	}
}

func (c *Controller) cancelled(ctx context.Context, id string) bool {
	if c.opts.Cancel == nil {
		return false
	}
	ok, err := c.opts.Cancel.IsCancelled(ctx, id)
	if err != nil {
		slog.Warn("Failed to read cancellation flag", "conversation_id", id, "error", err)
		return false
	}
	return ok
}

func (c *Controller) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.PersistTimeout)
}

// fromStored converts persisted history to model messages. Entries that
// would leave a dangling tool linkage are dropped.
func fromStored(stored []domain.StoredMessage) []llm.Message {
	out := make([]llm.Message, 0, len(stored))
	for _, s := range stored {
		m := llm.Message{Role: s.Role, Content: s.Content, ToolCallID: s.ToolCallID, Name: s.Name}
		if len(s.ToolCalls) > 0 {
			if err := json.Unmarshal(s.ToolCalls, &m.ToolCalls); err != nil {
				continue
			}
		}
		if m.Role == llm.RoleTool && m.ToolCallID == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
