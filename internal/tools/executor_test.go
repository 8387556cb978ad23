package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/parser"
)

type fakeSandbox struct {
	mu       sync.Mutex
	started  []string
	commands [][]string
	timeouts []time.Duration
	result   domain.ToolResult
	startErr error
}

func (f *fakeSandbox) StartSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeSandbox) RunCommand(_ context.Context, _ string, argv []string, timeout time.Duration) domain.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, argv)
	f.timeouts = append(f.timeouts, timeout)
	res := f.result
	res.Tool = argv[0]
	return res
}

func (f *fakeSandbox) Timeout(tool string) time.Duration {
	if tool == NmapScan {
		return 10 * time.Minute
	}
	return 30 * time.Second
}

type memLogs struct {
	mu     sync.Mutex
	logs   map[string][]string
	raw    map[string][]string
	failOn bool
}

func newMemLogs() *memLogs {
	return &memLogs{logs: map[string][]string{}, raw: map[string][]string{}}
}

func (m *memLogs) AppendRunLog(_ context.Context, id string, lines ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn {
		return errors.New("store down")
	}
	m.logs[id] = append(m.logs[id], lines...)
	return nil
}

func (m *memLogs) AppendRawLog(_ context.Context, id string, lines ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn {
		return errors.New("store down")
	}
	m.raw[id] = append(m.raw[id], lines...)
	return nil
}

func (m *memLogs) RawLogs(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.raw[id]...), nil
}

func okResult(out string) domain.ToolResult {
	return domain.ToolResult{Success: true, Outcome: domain.OutcomeOK, RawOutput: out}
}

func TestExecuteNmapParsesPorts(t *testing.T) {
	sb := &fakeSandbox{result: okResult("Nmap scan report for example.com\n22/tcp   open  ssh     OpenSSH 8.4\n80/tcp open http nginx\n")}
	logs := newMemLogs()
	e := NewExecutor(sb, logs, Options{})

	res := e.Execute(context.Background(), domain.ToolInvocation{
		Tool: NmapScan, Args: map[string]any{"target": "Example.COM"}, SessionID: "s1",
	})
	if !res.Success || res.Tool != NmapScan {
		t.Fatalf("unexpected result: %+v", res)
	}
	scan, ok := res.Data.(parser.PortScan)
	if !ok || len(scan.Ports) != 2 || scan.Ports[0].Version != "OpenSSH 8.4" {
		t.Fatalf("data = %#v", res.Data)
	}

	want := "nmap -Pn -sV -T4 --top-ports 100 example.com"
	if got := strings.Join(sb.commands[0], " "); got != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
	if sb.timeouts[0] != 10*time.Minute {
		t.Fatalf("timeout = %s, want per-tool budget", sb.timeouts[0])
	}
	if len(sb.started) != 1 || sb.started[0] != "s1" {
		t.Fatalf("session not started: %v", sb.started)
	}
	if len(logs.logs["s1"]) != 1 || len(logs.raw["s1"]) != 3 {
		t.Fatalf("logs = %v raw = %v", logs.logs["s1"], logs.raw["s1"])
	}
}

func TestExecuteNmapWithPorts(t *testing.T) {
	sb := &fakeSandbox{result: okResult("")}
	e := NewExecutor(sb, newMemLogs(), Options{})

	e.Execute(context.Background(), domain.ToolInvocation{
		Tool: NmapScan, Args: map[string]any{"target": "example.com", "ports": "22,8000-8100"}, SessionID: "s1",
	})
	if got := strings.Join(sb.commands[0], " "); got != "nmap -Pn -sV -T4 -p 22,8000-8100 example.com" {
		t.Fatalf("argv = %q", got)
	}

	res := e.Execute(context.Background(), domain.ToolInvocation{
		Tool: NmapScan, Args: map[string]any{"target": "example.com", "ports": "22;id"}, SessionID: "s1",
	})
	if res.Outcome != domain.OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if len(sb.commands) != 1 {
		t.Fatal("rejected ports must not reach the sandbox")
	}
}

func TestExecuteRejectsUnsafeTargets(t *testing.T) {
	sb := &fakeSandbox{result: okResult("")}
	e := NewExecutor(sb, newMemLogs(), Options{})

	for _, target := range []string{"example.com; rm -rf /", "localhost", "10.0.0.1", "", "$(whoami).example.com"} {
		res := e.Execute(context.Background(), domain.ToolInvocation{
			Tool: DNSLookup, Args: map[string]any{"target": target}, SessionID: "s1",
		})
		if res.Success || res.Outcome != domain.OutcomeRejected {
			t.Errorf("target %q: outcome = %s", target, res.Outcome)
		}
	}
	if len(sb.commands) != 0 || len(sb.started) != 0 {
		t.Fatal("invalid targets must not reach the sandbox")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewExecutor(&fakeSandbox{}, newMemLogs(), Options{})
	res := e.Execute(context.Background(), domain.ToolInvocation{Tool: "rm", SessionID: "s1"})
	if res.Outcome != domain.OutcomeRejected || !strings.Contains(res.Error, ErrUnknownTool.Error()) {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteProvisionFailure(t *testing.T) {
	sb := &fakeSandbox{startErr: errors.New("image missing")}
	e := NewExecutor(sb, newMemLogs(), Options{})
	res := e.Execute(context.Background(), domain.ToolInvocation{
		Tool: WhoisLookup, Args: map[string]any{"target": "example.com"}, SessionID: "s1",
	})
	if res.Success || res.Outcome != domain.OutcomeFailed || !strings.Contains(res.Error, "image missing") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteTimeoutKeepsPartialOutputUnparsed(t *testing.T) {
	sb := &fakeSandbox{result: domain.ToolResult{Outcome: domain.OutcomeTimeout, Error: "nuclei timed out", RawOutput: "partial"}}
	e := NewExecutor(sb, newMemLogs(), Options{})
	res := e.Execute(context.Background(), domain.ToolInvocation{
		Tool: VulnScan, Args: map[string]any{"target": "example.com"}, SessionID: "s1",
	})
	if res.Success || res.Outcome != domain.OutcomeTimeout || res.Data != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RawOutput != "partial" {
		t.Fatalf("raw output = %q", res.RawOutput)
	}
}

func TestExecuteBoundsRawOutput(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("line\n")
	}
	sb := &fakeSandbox{result: okResult(b.String())}
	logs := newMemLogs()
	e := NewExecutor(sb, logs, Options{MaxOutputLines: 10})

	res := e.Execute(context.Background(), domain.ToolInvocation{
		Tool: SubdomainEnum, Args: map[string]any{"target": "example.com"}, SessionID: "s1",
	})
	if n := len(strings.Split(res.RawOutput, "\n")); n != 11 {
		t.Fatalf("lines = %d, want 10 plus marker", n)
	}
	if !strings.Contains(res.RawOutput, "[40 lines truncated]") {
		t.Fatalf("missing truncation marker: %q", res.RawOutput)
	}
}

func TestExecuteParsesBeforeTruncating(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&b, "host%03d.example.com\n", i)
	}
	sb := &fakeSandbox{result: okResult(b.String())}
	logs := newMemLogs()
	e := NewExecutor(sb, logs, Options{MaxOutputLines: 200})

	res := e.Execute(context.Background(), domain.ToolInvocation{
		Tool: SubdomainEnum, Args: map[string]any{"target": "example.com"}, SessionID: "s1",
	})
	subs, ok := res.Data.([]string)
	if !ok || len(subs) != 300 {
		t.Fatalf("parsed %d subdomains, want 300", len(subs))
	}
	if !strings.Contains(res.RawOutput, "[100 lines truncated]") {
		t.Fatalf("raw output should still be bounded: %d bytes", len(res.RawOutput))
	}
	if n := len(logs.raw["s1"]); n != 201 {
		t.Fatalf("raw log lines = %d, want 200 plus marker", n)
	}
}

func TestExecuteFailedOutputIsNotEvidence(t *testing.T) {
	stderr := "sh: 1: subfinder: not found\nsh: 1: subfinder: not found\nerror\nerror\nerror\nerror"
	sb := &fakeSandbox{result: domain.ToolResult{Outcome: domain.OutcomeFailed, ExitCode: 127, Error: "exit status 127", RawOutput: stderr}}
	logs := newMemLogs()
	e := NewExecutor(sb, logs, Options{MinEvidenceLines: 5})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.Execute(ctx, domain.ToolInvocation{
			Tool: SubdomainEnum, Args: map[string]any{"target": "example.com"}, SessionID: "s1",
		})
	}
	if len(logs.raw["s1"]) != 0 {
		t.Fatalf("failed output recorded as evidence: %v", logs.raw["s1"])
	}
	if len(logs.logs["s1"]) != 3 {
		t.Fatalf("failures should still be logged: %v", logs.logs["s1"])
	}

	res := e.Execute(ctx, domain.ToolInvocation{Tool: FinalReport, SessionID: "s1"})
	if res.Success || !strings.Contains(res.Error, ErrNoEvidence.Error()) {
		t.Fatalf("report accepted stderr as evidence: %+v", res)
	}
}

func TestFinalReportRequiresEvidence(t *testing.T) {
	logs := newMemLogs()
	sb := &fakeSandbox{}
	e := NewExecutor(sb, logs, Options{MinEvidenceLines: 5})
	ctx := context.Background()
	inv := domain.ToolInvocation{Tool: FinalReport, SessionID: "s1", RunID: "conv-1"}

	res := e.Execute(ctx, inv)
	if res.Success || !strings.Contains(res.Error, ErrNoEvidence.Error()) {
		t.Fatalf("empty logs: %+v", res)
	}

	logs.raw["conv-1"] = []string{"a", "", "  ", "b", "c", "d"}
	res = e.Execute(ctx, inv)
	if res.Success {
		t.Fatal("blank lines must not count as evidence")
	}

	logs.raw["conv-1"] = append(logs.raw["conv-1"], "e")
	res = e.Execute(ctx, inv)
	if !res.Success {
		t.Fatalf("expected success with 5 lines: %+v", res)
	}
	data := res.Data.(map[string]any)
	if data["evidence_lines"] != 5 {
		t.Fatalf("evidence_lines = %v", data["evidence_lines"])
	}
	if len(sb.commands) != 0 {
		t.Fatal("final report must not run a command")
	}
	if len(logs.logs["conv-1"]) != 3 {
		t.Fatalf("each attempt should be logged: %v", logs.logs["conv-1"])
	}
}

func TestExecuteSurvivesStoreFailure(t *testing.T) {
	logs := newMemLogs()
	logs.failOn = true
	e := NewExecutor(&fakeSandbox{result: okResult("1.2.3.4")}, logs, Options{})
	res := e.Execute(context.Background(), domain.ToolInvocation{
		Tool: DNSLookup, Args: map[string]any{"target": "example.com"}, SessionID: "s1",
	})
	if !res.Success {
		t.Fatalf("store errors must not fail the tool: %+v", res)
	}
}

func TestCatalogSortedAndComplete(t *testing.T) {
	e := NewExecutor(&fakeSandbox{}, newMemLogs(), Options{})
	cat := e.Catalog()
	if len(cat) != len(templates)+1 {
		t.Fatalf("catalog size = %d", len(cat))
	}
	for i := 1; i < len(cat); i++ {
		if cat[i-1].Function.Name >= cat[i].Function.Name {
			t.Fatalf("catalog not sorted at %d: %s >= %s", i, cat[i-1].Function.Name, cat[i].Function.Name)
		}
	}
	for _, tool := range cat {
		if !Known(tool.Function.Name) || len(tool.Function.Parameters) == 0 {
			t.Errorf("bad catalog entry %+v", tool.Function)
		}
	}
}

func TestCommand(t *testing.T) {
	argv, err := Command(SecurityHeaders, "example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if argv[len(argv)-1] != "https://example.com" {
		t.Fatalf("argv = %v", argv)
	}
	if _, err := Command("bogus", "example.com", nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v", err)
	}
}
