package parser

import (
	"strings"
)

// checkedHeaders is ordered: only the first scoredHeaders entries count
// toward the score and the missing list.
var checkedHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Referrer-Policy",
	"Permissions-Policy",
	"X-XSS-Protection",
}

const (
	scoredHeaders   = 5
	pointsPerHeader = 20
	maxHeaderScore  = 100
)

// HeaderReport summarizes security header coverage of an HTTP response.
type HeaderReport struct {
	Present map[string]bool `json:"present"`
	Score   int             `json:"score"`
	Missing []string        `json:"missing"`
}

// ParseSecurityHeaders scores raw response headers, for example the output of
// curl -I. When redirects were followed, every response block is considered.
func ParseSecurityHeaders(raw string) HeaderReport {
	seen := parseHeaderNames(raw)

	report := HeaderReport{Present: make(map[string]bool, len(checkedHeaders)), Missing: []string{}}
	for i, name := range checkedHeaders {
		_, ok := seen[strings.ToLower(name)]
		report.Present[name] = ok
		if i >= scoredHeaders {
			continue
		}
		if ok {
			report.Score += pointsPerHeader
		} else {
			report.Missing = append(report.Missing, name)
		}
	}
	if report.Score > maxHeaderScore {
		report.Score = maxHeaderScore
	}
	return report
}

// parseHeaderNames maps lower-cased header names to their last value.
func parseHeaderNames(raw string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "HTTP/") {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.ContainsAny(name, " \t") || name == "" {
			continue
		}
		headers[strings.ToLower(name)] = strings.TrimSpace(value)
	}
	return headers
}
