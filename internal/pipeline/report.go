package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

type reportData struct {
	ScanID        string
	Target        string
	EvidenceLines int
	Recon         ReconOutput
	Enum          EnumOutput
	Vuln          VulnOutput
}

var severityRank = map[string]int{"critical": 0, "high": 1, "medium": 2, "low": 3, "info": 4}

func rank(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return len(severityRank)
}

// renderReport builds the Markdown report for a finished scan.
func renderReport(d reportData) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Reconnaissance Report: %s\n\n", d.Target)
	fmt.Fprintf(&b, "Scan `%s`, based on %d lines of tool output.\n\n", d.ScanID, d.EvidenceLines)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Subdomains: %d\n", len(d.Recon.Subdomains))
	fmt.Fprintf(&b, "- IP addresses: %d\n", len(d.Recon.IPs))
	fmt.Fprintf(&b, "- Open ports: %d\n", len(d.Enum.Ports))
	fmt.Fprintf(&b, "- Live HTTP hosts: %d\n", len(d.Enum.LiveHosts))
	fmt.Fprintf(&b, "- Findings: %d\n\n", len(d.Vuln.Findings))

	b.WriteString("## Registration\n\n")
	registrar := d.Recon.Registrar
	if registrar == "" {
		registrar = "unknown"
	}
	fmt.Fprintf(&b, "- Registrar: %s\n", registrar)
	if len(d.Recon.NameServers) > 0 {
		fmt.Fprintf(&b, "- Name servers: %s\n", strings.Join(d.Recon.NameServers, ", "))
	}
	if len(d.Recon.IPs) > 0 {
		fmt.Fprintf(&b, "- Addresses: %s\n", strings.Join(d.Recon.IPs, ", "))
	}
	b.WriteString("\n")

	if len(d.Recon.Subdomains) > 0 {
		b.WriteString("## Subdomains\n\n")
		for _, s := range d.Recon.Subdomains {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Open Ports\n\n")
	if len(d.Enum.Ports) == 0 {
		b.WriteString("No open ports detected.\n\n")
	} else {
		b.WriteString("| Port | Protocol | Service | Version |\n|---|---|---|---|\n")
		for _, p := range d.Enum.Ports {
			fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", p.Number, p.Protocol, p.Service, p.Version)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Web Services\n\n")
	if len(d.Enum.LiveHosts) == 0 {
		b.WriteString("No live HTTP services found; vulnerability scanning was skipped.\n\n")
	} else {
		for _, h := range d.Enum.LiveHosts {
			line := "- " + h.URL
			if h.StatusCode != 0 {
				line += fmt.Sprintf(" [%d]", h.StatusCode)
			}
			if h.Title != "" {
				line += " " + h.Title
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if len(d.Vuln.Hosts) > 0 {
		b.WriteString("## Security Headers\n\n")
		fmt.Fprintf(&b, "Lowest score: %d/100\n\n", d.Vuln.HeaderScore)
		for _, h := range d.Vuln.Hosts {
			missing := "none"
			if len(h.MissingHeaders) > 0 {
				missing = strings.Join(h.MissingHeaders, ", ")
			}
			fmt.Fprintf(&b, "- %s: %d/100, missing %s\n", h.Host, h.HeaderScore, missing)
		}
		b.WriteString("\n")
	}

	if len(d.Vuln.Tech) > 0 {
		b.WriteString("## Technology\n\n")
		fmt.Fprintf(&b, "%s\n\n", strings.Join(d.Vuln.Tech, ", "))
	}

	if len(d.Vuln.Hosts) > 0 {
		b.WriteString("## Findings\n\n")
		if len(d.Vuln.Findings) == 0 {
			b.WriteString("No template matches.\n")
		} else {
			findings := append(d.Vuln.Findings[:0:0], d.Vuln.Findings...)
			sort.SliceStable(findings, func(i, j int) bool {
				return rank(findings[i].Severity) < rank(findings[j].Severity)
			})
			b.WriteString("| Severity | Template | Location |\n|---|---|---|\n")
			for _, f := range findings {
				fmt.Fprintf(&b, "| %s | %s | %s |\n", f.Severity, f.TemplateID, f.MatchedAt)
			}
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}
