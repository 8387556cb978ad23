package parser

import (
	"net"
	"regexp"
	"strings"
)

// DNSRecord is one answer record.
type DNSRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// DNSResult is the parsed form of a DNS lookup.
type DNSResult struct {
	Records []DNSRecord       `json:"records"`
	Fields  map[string]string `json:"fields,omitempty"`
	IPs     []string          `json:"ips"`
}

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// ParseDNS accepts dig answer sections as well as "key: value" style output.
func ParseDNS(raw string) DNSResult {
	res := DNSResult{Records: []DNSRecord{}, Fields: map[string]string{}, IPs: []string{}}
	ips := newOrderedSet()

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}

		if rec, ok := parseAnswer(line); ok {
			res.Records = append(res.Records, rec)
			if rec.Type == "A" || rec.Type == "AAAA" {
				ips.add(rec.Value)
			}
			continue
		}

		if key, value, ok := splitField(line); ok {
			res.Fields[key] = value
		}
		for _, ip := range ipv4Pattern.FindAllString(line, -1) {
			if net.ParseIP(ip) != nil {
				ips.add(ip)
			}
		}
	}

	res.IPs = ips.items()
	return res
}

// parseAnswer reads "name ttl class type value..." lines.
func parseAnswer(line string) (DNSRecord, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[2] != "IN" {
		return DNSRecord{}, false
	}
	value := strings.Join(fields[4:], " ")
	typ := strings.ToUpper(fields[3])
	if (typ == "A" || typ == "AAAA") && net.ParseIP(value) == nil {
		return DNSRecord{}, false
	}
	return DNSRecord{
		Name:  strings.TrimSuffix(fields[0], "."),
		Type:  typ,
		Value: strings.Trim(strings.TrimSpace(strings.TrimSuffix(value, ".")), `"`),
	}, true
}

// splitField splits on the first colon only so that values such as IPv6
// addresses and timestamps keep their own colons.
func splitField(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	// Prose lines and bare URLs are not fields.
	if key == "" || value == "" || len(strings.Fields(key)) > 4 || strings.HasPrefix(value, "//") {
		return "", "", false
	}
	return key, value, true
}

type orderedSet struct {
	seen  map[string]struct{}
	order []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) {
	if v == "" {
		return
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.order = append(s.order, v)
}

func (s *orderedSet) items() []string {
	if s.order == nil {
		return []string{}
	}
	return s.order
}
