package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ashureev/shsh-recon/internal/llm"
)

const (
	// DefaultCompressThreshold is the history length above which prior
	// turns are replaced by a summary.
	DefaultCompressThreshold = 3
	// DefaultSummaryBudget caps the transcript sent for summarization.
	DefaultSummaryBudget = 6000

	compressFallback = "Earlier conversation could not be summarized. Treat prior findings as unverified and re-run any tool whose output is needed."
)

// TokenCounter returns the number of tokens in text.
type TokenCounter func(text string) int

// NewTokenCounter returns a tiktoken counter for model, falling back to the
// cl100k_base encoding and finally to a four-bytes-per-token estimate.
func NewTokenCounter(model string) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("Tokenizer unavailable, estimating token counts", "model", model, "error", err)
		return estimateTokens
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// CompressorOptions configures a Compressor.
type CompressorOptions struct {
	Threshold int
	Budget    int
	Counter   TokenCounter
}

// Compressor replaces long histories with a single synthesized summary.
type Compressor struct {
	llm       llm.Provider
	threshold int
	budget    int
	count     TokenCounter
}

// NewCompressor creates a Compressor that summarizes through p.
func NewCompressor(p llm.Provider, opts CompressorOptions) *Compressor {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultCompressThreshold
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultSummaryBudget
	}
	if opts.Counter == nil {
		opts.Counter = estimateTokens
	}
	return &Compressor{llm: p, threshold: opts.Threshold, budget: opts.Budget, count: opts.Counter}
}

// ShouldCompress reports whether history is long enough to summarize.
func (c *Compressor) ShouldCompress(history []llm.Message) bool {
	return len(history) > c.threshold
}

// Compress asks the model for a technical-state summary of history. System
// turns are skipped. It never fails: errors and empty replies yield a fixed
// fallback text.
func (c *Compressor) Compress(ctx context.Context, history []llm.Message) string {
	transcript := c.transcript(history)
	if transcript == "" {
		return compressFallback
	}

	resp, err := c.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: compressInstructions},
			{Role: llm.RoleUser, Content: transcript},
		},
		ToolChoice: llm.ToolChoiceNone,
	})
	if err != nil {
		slog.Warn("History compression failed", "error", err)
		return compressFallback
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return compressFallback
	}
	return summary
}

// transcript renders non-system turns, newest first into the budget, then
// restores chronological order.
func (c *Compressor) transcript(history []llm.Message) string {
	var kept []string
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == llm.RoleSystem {
			continue
		}
		line := renderTurn(m)
		n := c.count(line)
		if used+n > c.budget && len(kept) > 0 {
			break
		}
		kept = append(kept, line)
		used += n
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n\n")
}

func renderTurn(m llm.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", m.Role)
	if m.Name != "" {
		fmt.Fprintf(&b, " (%s)", m.Name)
	}
	if m.Content != "" {
		b.WriteString(" ")
		b.WriteString(m.Content)
	}
	for _, call := range m.ToolCalls {
		fmt.Fprintf(&b, "\n  called %s %s", call.Function.Name, call.Function.Arguments)
	}
	return b.String()
}
