package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Finding is a single vulnerability template match.
type Finding struct {
	TemplateID string `json:"template_id"`
	Name       string `json:"name,omitempty"`
	Severity   string `json:"severity"`
	MatchedAt  string `json:"matched_at"`
}

type nucleiRecord struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name     string `json:"name"`
		Severity string `json:"severity"`
	} `json:"info"`
	MatchedAt string `json:"matched-at"`
	Host      string `json:"host"`
}

var nucleiTextLine = regexp.MustCompile(`^\[([^\]]+)\]\s+\[([^\]]+)\]\s+\[([^\]]+)\]\s+(\S+)`)

// ParseFindings reads nuclei output, JSON lines first, then the default
// "[template] [protocol] [severity] target" text form.
func ParseFindings(raw string) []Finding {
	findings := []Finding{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var rec nucleiRecord
			if err := json.Unmarshal([]byte(line), &rec); err == nil && rec.TemplateID != "" {
				matched := rec.MatchedAt
				if matched == "" {
					matched = rec.Host
				}
				findings = append(findings, Finding{
					TemplateID: rec.TemplateID,
					Name:       rec.Info.Name,
					Severity:   strings.ToLower(rec.Info.Severity),
					MatchedAt:  matched,
				})
			}
			continue
		}
		if m := nucleiTextLine.FindStringSubmatch(line); m != nil {
			findings = append(findings, Finding{
				TemplateID: m[1],
				Severity:   strings.ToLower(m[3]),
				MatchedAt:  m[4],
			})
		}
	}
	return findings
}
