package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/shsh-recon/internal/llm"
)

func TestShouldCompressThreshold(t *testing.T) {
	c := NewCompressor(&fakeProvider{respond: answer("s")}, CompressorOptions{})
	tests := []struct {
		turns int
		want  bool
	}{
		{0, false},
		{3, false},
		{4, true},
		{10, true},
	}
	for _, tt := range tests {
		if got := c.ShouldCompress(make([]llm.Message, tt.turns)); got != tt.want {
			t.Errorf("ShouldCompress(%d) = %v, want %v", tt.turns, got, tt.want)
		}
	}
}

func TestCompressSkipsSystemTurns(t *testing.T) {
	p := &fakeProvider{respond: answer("  summary  ")}
	c := NewCompressor(p, CompressorOptions{})

	got := c.Compress(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "SECRET SYSTEM PROMPT"},
		{Role: llm.RoleUser, Content: "scan example.com"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{toolCall("1", "nmap_scan", `{"target":"example.com"}`)}},
		{Role: llm.RoleTool, Name: "nmap_scan", ToolCallID: "1", Content: "22/tcp open ssh"},
	})
	if got != "summary" {
		t.Fatalf("Compress() = %q", got)
	}

	transcript := p.calls[0].Messages[1].Content
	if strings.Contains(transcript, "SECRET") {
		t.Fatal("system turns must not be summarized")
	}
	for _, want := range []string{"scan example.com", "called nmap_scan", "22/tcp open ssh"} {
		if !strings.Contains(transcript, want) {
			t.Errorf("transcript missing %q:\n%s", want, transcript)
		}
	}
	if p.calls[0].ToolChoice != llm.ToolChoiceNone || len(p.calls[0].Tools) != 0 {
		t.Fatal("summarization must not offer tools")
	}
}

func TestCompressFallbacks(t *testing.T) {
	history := []llm.Message{{Role: llm.RoleUser, Content: "hello"}}

	failing := NewCompressor(&fakeProvider{respond: func(int, llm.Request) (*llm.Response, error) {
		return nil, errors.New("down")
	}}, CompressorOptions{})
	if got := failing.Compress(context.Background(), history); got != compressFallback {
		t.Fatalf("error case = %q", got)
	}

	empty := NewCompressor(&fakeProvider{respond: answer("   ")}, CompressorOptions{})
	if got := empty.Compress(context.Background(), history); got != compressFallback {
		t.Fatalf("empty case = %q", got)
	}

	p := &fakeProvider{respond: answer("x")}
	onlySystem := NewCompressor(p, CompressorOptions{})
	if got := onlySystem.Compress(context.Background(), []llm.Message{{Role: llm.RoleSystem, Content: "s"}}); got != compressFallback {
		t.Fatalf("system-only case = %q", got)
	}
	if p.count() != 0 {
		t.Fatal("nothing to summarize should not call the model")
	}
}

func TestCompressKeepsNewestTurnsWithinBudget(t *testing.T) {
	p := &fakeProvider{respond: answer("s")}
	words := func(s string) int { return len(strings.Fields(s)) }
	c := NewCompressor(p, CompressorOptions{Budget: 6, Counter: words})

	c.Compress(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "oldest turn here"},
		{Role: llm.RoleAssistant, Content: "middle"},
		{Role: llm.RoleUser, Content: "newest"},
	})
	transcript := p.calls[0].Messages[1].Content
	if strings.Contains(transcript, "oldest") {
		t.Fatalf("oldest turn should be dropped: %q", transcript)
	}
	if strings.Index(transcript, "middle") > strings.Index(transcript, "newest") {
		t.Fatalf("turns out of order: %q", transcript)
	}
}

func TestEstimateTokens(t *testing.T) {
	if estimateTokens("") != 0 || estimateTokens("abcd") != 1 || estimateTokens("abcde") != 2 {
		t.Fatal("unexpected estimate")
	}
}
