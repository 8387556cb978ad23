package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/parser"
	"github.com/ashureev/shsh-recon/internal/queue"
	"github.com/ashureev/shsh-recon/internal/store"
	"github.com/ashureev/shsh-recon/internal/tools"
)

// MaxFanOut bounds how many subdomains are probed and how many live hosts
// are scanned per stage.
const MaxFanOut = 5

// errCancelled is the stage error when a tool reports operator cancellation.
var errCancelled = errors.New("scan cancelled")

// ToolRunner executes a single tool invocation.
type ToolRunner interface {
	Execute(ctx context.Context, inv domain.ToolInvocation) domain.ToolResult
}

// Runner implements the four stage functions on top of the tool executor.
type Runner struct {
	tools ToolRunner
	store store.PipelineStore
}

// NewRunner creates a Runner. st is read by the reporting stage.
func NewRunner(tr ToolRunner, st store.PipelineStore) *Runner {
	return &Runner{tools: tr, store: st}
}

// Stages returns the stage chain in order.
func (r *Runner) Stages() []Stage {
	return []Stage{
		{Name: domain.StageRecon, Trigger: queue.SubjectScanInitiated, Completion: queue.SubjectStage1Completed, Run: r.Recon},
		{Name: domain.StageEnumeration, Trigger: queue.SubjectStage1Completed, Completion: queue.SubjectStage2Completed, Run: r.Enumerate},
		{Name: domain.StageVulnScan, Trigger: queue.SubjectStage2Completed, Completion: queue.SubjectStage3Completed, Run: r.VulnScan},
		{Name: domain.StageReporting, Trigger: queue.SubjectStage3Completed, Completion: queue.SubjectStage4Completed, Run: r.Report, Final: true},
	}
}

// run executes tool against target in the scan's session. A cancelled or
// interrupted call is returned as an error; other failures stay in the result.
func (r *Runner) run(ctx context.Context, ev Event, tool, target string) (domain.ToolResult, error) {
	session := SessionID(ev.ScanID)
	res := r.tools.Execute(ctx, domain.ToolInvocation{
		Tool:      tool,
		Args:      map[string]any{"target": target},
		SessionID: session,
		RunID:     session,
	})
	if ctx.Err() != nil {
		return res, Retryable(ctx.Err())
	}
	if res.Outcome == domain.OutcomeCancelled {
		return res, errCancelled
	}
	if !res.Success {
		slog.Warn("Scan tool failed", "scan_id", ev.ScanID, "tool", tool, "target", target, "outcome", res.Outcome, "error", res.Error)
	}
	return res, nil
}

// Recon gathers subdomains, addresses and registration data.
func (r *Runner) Recon(ctx context.Context, ev Event) (StageResult, error) {
	out := ReconOutput{Subdomains: []string{}, IPs: []string{}, NameServers: []string{}}
	ips := newOrderedSet()
	failed := 0

	res, err := r.run(ctx, ev, tools.SubdomainEnum, ev.Target)
	if err != nil {
		return StageResult{}, err
	}
	if subs, ok := res.Data.([]string); ok {
		out.Subdomains = append(out.Subdomains, subs...)
	}
	if !res.Success {
		failed++
	}

	res, err = r.run(ctx, ev, tools.DNSLookup, ev.Target)
	if err != nil {
		return StageResult{}, err
	}
	if dns, ok := res.Data.(parser.DNSResult); ok {
		ips.add(dns.IPs...)
	}
	if !res.Success {
		failed++
	}

	res, err = r.run(ctx, ev, tools.WhoisLookup, ev.Target)
	if err != nil {
		return StageResult{}, err
	}
	if w, ok := res.Data.(parser.Whois); ok {
		out.Registrar = w.Registrar
		out.NameServers = append(out.NameServers, w.NameServers...)
		ips.add(w.IPs...)
	}
	if !res.Success {
		failed++
	}

	if failed == 3 {
		return StageResult{}, errors.New("every recon tool failed")
	}
	out.IPs = ips.items()
	return StageResult{
		Output: out,
		Counters: map[string]int{
			"subdomains":   len(out.Subdomains),
			"ips":          len(out.IPs),
			"tools_failed": failed,
		},
	}, nil
}

// Enumerate scans ports on the target and probes it and its first
// subdomains for live HTTP services.
func (r *Runner) Enumerate(ctx context.Context, ev Event) (StageResult, error) {
	var recon ReconOutput
	if err := decodeOutput(ev, &recon); err != nil {
		return StageResult{}, err
	}

	out := EnumOutput{Ports: []parser.Port{}, LiveHosts: []parser.LiveHost{}}
	failed := 0

	res, err := r.run(ctx, ev, tools.NmapScan, ev.Target)
	if err != nil {
		return StageResult{}, err
	}
	if scan, ok := res.Data.(parser.PortScan); ok {
		out.Ports = append(out.Ports, scan.Open()...)
	}
	if !res.Success {
		failed++
	}

	targets := probeTargets(ev.Target, recon.Subdomains)
	seen := make(map[string]struct{})
	for _, host := range targets {
		res, err := r.run(ctx, ev, tools.HTTPProbe, host)
		if err != nil {
			return StageResult{}, err
		}
		if !res.Success {
			failed++
		}
		live, _ := res.Data.([]parser.LiveHost)
		for _, lh := range live {
			if _, dup := seen[lh.URL]; dup {
				continue
			}
			seen[lh.URL] = struct{}{}
			out.LiveHosts = append(out.LiveHosts, lh)
		}
	}

	if failed == len(targets)+1 {
		return StageResult{}, errors.New("every enumeration tool failed")
	}
	return StageResult{
		Output: out,
		Counters: map[string]int{
			"open_ports":   len(out.Ports),
			"live_hosts":   len(out.LiveHosts),
			"hosts_probed": len(targets),
		},
	}, nil
}

// probeTargets returns the target followed by up to MaxFanOut distinct
// subdomains.
func probeTargets(target string, subdomains []string) []string {
	out := []string{target}
	for _, sub := range subdomains {
		if len(out) > MaxFanOut {
			break
		}
		if sub == "" || strings.EqualFold(sub, target) {
			continue
		}
		dup := false
		for _, t := range out {
			if strings.EqualFold(t, sub) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, sub)
		}
	}
	return out
}

// VulnScan checks headers, technology and known vulnerabilities on the live
// hosts found by enumeration. With no live hosts the stage is skipped.
func (r *Runner) VulnScan(ctx context.Context, ev Event) (StageResult, error) {
	var enum EnumOutput
	if err := decodeOutput(ev, &enum); err != nil {
		return StageResult{}, err
	}

	out := VulnOutput{
		Findings:       []parser.Finding{},
		MissingHeaders: []string{},
		Tech:           []string{},
		Hosts:          []HostFindings{},
	}
	hosts := liveHostnames(enum.LiveHosts, MaxFanOut)
	if len(hosts) == 0 {
		return StageResult{Output: out, Skipped: true, Counters: map[string]int{"hosts_scanned": 0}}, nil
	}

	tech := newOrderedSet()
	missing := newOrderedSet()
	lowest := -1
	for _, host := range hosts {
		hf := HostFindings{Host: host, MissingHeaders: []string{}}

		res, err := r.run(ctx, ev, tools.SecurityHeaders, host)
		if err != nil {
			return StageResult{}, err
		}
		if hr, ok := res.Data.(parser.HeaderReport); ok && res.Success {
			hf.HeaderScore = hr.Score
			hf.MissingHeaders = append(hf.MissingHeaders, hr.Missing...)
			missing.add(hr.Missing...)
			if lowest < 0 || hr.Score < lowest {
				lowest = hr.Score
			}
		}

		res, err = r.run(ctx, ev, tools.TechDetect, host)
		if err != nil {
			return StageResult{}, err
		}
		if stack, ok := res.Data.([]string); ok {
			tech.add(stack...)
		}

		res, err = r.run(ctx, ev, tools.VulnScan, host)
		if err != nil {
			return StageResult{}, err
		}
		if findings, ok := res.Data.([]parser.Finding); ok {
			out.Findings = append(out.Findings, findings...)
		}

		out.Hosts = append(out.Hosts, hf)
	}

	if lowest >= 0 {
		out.HeaderScore = lowest
	}
	out.MissingHeaders = missing.items()
	out.Tech = tech.items()

	counters := map[string]int{
		"hosts_scanned": len(hosts),
		"findings":      len(out.Findings),
	}
	for _, f := range out.Findings {
		if f.Severity == "critical" || f.Severity == "high" {
			counters["findings_high"]++
		}
	}
	return StageResult{Output: out, Counters: counters}, nil
}

// liveHostnames returns up to limit distinct hostnames from probe results.
func liveHostnames(live []parser.LiveHost, limit int) []string {
	set := newOrderedSet()
	for _, lh := range live {
		if len(set.order) >= limit {
			break
		}
		u, err := url.Parse(lh.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		set.add(strings.ToLower(u.Hostname()))
	}
	return set.items()
}

// Report checks the evidence guard and renders the final Markdown report
// from the stored stage outputs.
func (r *Runner) Report(ctx context.Context, ev Event) (StageResult, error) {
	session := SessionID(ev.ScanID)
	guard := r.tools.Execute(ctx, domain.ToolInvocation{
		Tool:      tools.FinalReport,
		Args:      map[string]any{"summary": "Automated pipeline scan of " + ev.Target},
		SessionID: session,
		RunID:     session,
	})
	if !guard.Success {
		return StageResult{}, fmt.Errorf("report refused: %s", guard.Error)
	}

	var data reportData
	data.Target = ev.Target
	data.ScanID = ev.ScanID
	if err := r.load(ctx, ev.ScanID, domain.StageRecon, &data.Recon); err != nil {
		return StageResult{}, err
	}
	if err := r.load(ctx, ev.ScanID, domain.StageEnumeration, &data.Enum); err != nil {
		return StageResult{}, err
	}
	if err := r.load(ctx, ev.ScanID, domain.StageVulnScan, &data.Vuln); err != nil {
		return StageResult{}, err
	}
	if m, ok := guard.Data.(map[string]any); ok {
		data.EvidenceLines, _ = m["evidence_lines"].(int)
	}

	md := renderReport(data)
	return StageResult{
		Output: ReportOutput{Markdown: md, EvidenceLines: data.EvidenceLines},
		Report: md,
	}, nil
}

func (r *Runner) load(ctx context.Context, scanID string, stage domain.StageName, v any) error {
	rec, err := r.store.GetStage(ctx, scanID, stage)
	if err != nil {
		return Retryable(fmt.Errorf("load %s output: %w", stage, err))
	}
	if len(rec.Output) == 0 {
		return nil
	}
	if err := json.Unmarshal(rec.Output, v); err != nil {
		return fmt.Errorf("decode %s output: %w", stage, err)
	}
	return nil
}

type orderedSet struct {
	seen  map[string]struct{}
	order []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(values ...string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.order = append(s.order, v)
	}
}

func (s *orderedSet) items() []string {
	if s.order == nil {
		return []string{}
	}
	return s.order
}
