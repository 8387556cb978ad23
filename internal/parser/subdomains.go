package parser

import (
	"sort"
	"strings"
)

// ParseSubdomains returns the distinct names in subfinder output that belong
// to domain, sorted.
func ParseSubdomains(raw, domain string) []string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	seen := make(map[string]struct{})
	for _, line := range strings.Split(raw, "\n") {
		name := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(line), "."))
		if name == "" || strings.ContainsAny(name, " \t/:") {
			continue
		}
		if domain != "" && name != domain && !strings.HasSuffix(name, "."+domain) {
			continue
		}
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
