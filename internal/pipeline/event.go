// Package pipeline chains the four scan stages over the message queue.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/parser"
)

// Event is the payload of every pipeline subject. Stage and Output describe
// the stage that just completed and are empty on scan.initiated.
type Event struct {
	ScanID   string           `json:"scan_id"`
	Target   string           `json:"target"`
	Stage    domain.StageName `json:"stage,omitempty"`
	Output   json.RawMessage  `json:"output,omitempty"`
	Counters map[string]int   `json:"counters,omitempty"`
}

// ReconOutput is produced by the recon stage.
type ReconOutput struct {
	Subdomains  []string `json:"subdomains"`
	IPs         []string `json:"ips"`
	Registrar   string   `json:"registrar,omitempty"`
	NameServers []string `json:"name_servers"`
}

// EnumOutput is produced by the enumeration stage.
type EnumOutput struct {
	Ports     []parser.Port     `json:"ports"`
	LiveHosts []parser.LiveHost `json:"live_hosts"`
}

// HostFindings is the vulnerability scan summary of one live host.
type HostFindings struct {
	Host           string   `json:"host"`
	HeaderScore    int      `json:"header_score"`
	MissingHeaders []string `json:"missing_headers"`
}

// VulnOutput is produced by the vuln_scan stage. HeaderScore is the lowest
// score across scanned hosts.
type VulnOutput struct {
	Findings       []parser.Finding `json:"findings"`
	HeaderScore    int              `json:"header_score"`
	MissingHeaders []string         `json:"missing_headers"`
	Tech           []string         `json:"tech"`
	Hosts          []HostFindings   `json:"hosts"`
}

// ReportOutput is produced by the reporting stage.
type ReportOutput struct {
	Markdown      string `json:"markdown"`
	EvidenceLines int    `json:"evidence_lines"`
}

func decodeOutput(ev Event, v any) error {
	if len(ev.Output) == 0 {
		return fmt.Errorf("event for stage %q carries no output", ev.Stage)
	}
	if err := json.Unmarshal(ev.Output, v); err != nil {
		return fmt.Errorf("decode %s output: %w", ev.Stage, err)
	}
	return nil
}
