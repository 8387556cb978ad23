// Package validate rejects malformed or unsafe scan targets before they reach
// a command line.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const maxDomainLength = 253

// shellMetachars must never appear in a target, whatever its shape.
const shellMetachars = ";&|`$(){}[]!<>\\'\"#\n\r\t"

var domainPattern = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

var blockedLiterals = []string{
	"localhost",
	"localhost.localdomain",
	"0.0.0.0",
	"127.0.0.1",
	"::1",
	"metadata.google.internal",
	"metadata.goog",
	"metadata.azure.internal",
	"instance-data",
	"instance-data.ec2.internal",
}

// Wildcard DNS services (nip.io, sslip.io) let a well-formed hostname carry
// a private address in dotted or dashed form, anywhere in the name. Each
// pattern matches a full address bounded by a label edge or a dash.
var blockedPatterns = []*regexp.Regexp{
	ipPattern(`10`, `\d{1,3}`, `\d{1,3}`, `\d{1,3}`),
	ipPattern(`127`, `\d{1,3}`, `\d{1,3}`, `\d{1,3}`),
	ipPattern(`0`, `\d{1,3}`, `\d{1,3}`, `\d{1,3}`),
	ipPattern(`172`, `(?:1[6-9]|2[0-9]|3[01])`, `\d{1,3}`, `\d{1,3}`),
	ipPattern(`192`, `168`, `\d{1,3}`, `\d{1,3}`),
	ipPattern(`169`, `254`, `\d{1,3}`, `\d{1,3}`),
	ipPattern(`100`, `100`, `100`, `200`),
}

func ipPattern(octets ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[.-])` + strings.Join(octets, `[.-]`) + `(?:[.-]|$)`)
}

// Result is the outcome of validating a target.
type Result struct {
	Valid     bool   `json:"valid"`
	Sanitized string `json:"sanitized,omitempty"`
	Error     string `json:"error,omitempty"`
}

func invalid(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Domain validates a scan target. Checks run in a fixed order: size, shell
// metacharacters, DNS format, then blocked names.
func Domain(input string) Result {
	if strings.TrimSpace(input) == "" {
		return invalid("target is required")
	}
	if len(input) > maxDomainLength {
		return invalid("target exceeds %d characters", maxDomainLength)
	}

	if i := strings.IndexAny(input, shellMetachars); i >= 0 {
		return invalid("target contains forbidden character %q", input[i])
	}

	normalized := strings.ToLower(strings.TrimSpace(input))
	if !domainPattern.MatchString(normalized) {
		return invalid("target %q is not a valid domain name", normalized)
	}

	if blocked, reason := isBlocked(normalized); blocked {
		return invalid("target %q is not allowed: %s", normalized, reason)
	}

	return Result{Valid: true, Sanitized: normalized}
}

func isBlocked(host string) (bool, string) {
	for _, lit := range blockedLiterals {
		if host == lit || strings.HasSuffix(host, "."+lit) {
			return true, "reserved host " + lit
		}
	}
	for _, p := range blockedPatterns {
		if p.MatchString(host) {
			return true, "private or metadata address"
		}
	}
	return false, ""
}

// SanitizeForShell drops every byte outside [a-zA-Z0-9.-].
func SanitizeForShell(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Ports validates an nmap port specification such as "22,80,8000-8100".
func Ports(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", fmt.Errorf("port list is empty")
	}
	parts := strings.Split(spec, ",")
	for _, part := range parts {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := portNumber(lo)
		if err != nil {
			return "", err
		}
		if !isRange {
			continue
		}
		last, err := portNumber(hi)
		if err != nil {
			return "", err
		}
		if last < first {
			return "", fmt.Errorf("port range %q is reversed", part)
		}
	}
	return spec, nil
}

func portNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}
