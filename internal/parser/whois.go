package parser

import (
	"strings"
)

// Whois holds the fields of a WHOIS response that the pipeline reports on.
type Whois struct {
	Fields      map[string]string `json:"fields"`
	Registrar   string            `json:"registrar,omitempty"`
	Created     string            `json:"created,omitempty"`
	Expires     string            `json:"expires,omitempty"`
	NameServers []string          `json:"name_servers"`
	IPs         []string          `json:"ips"`
}

// ParseWhois extracts key/value pairs from WHOIS output. The first value seen
// for a key wins, except name servers which are collected.
func ParseWhois(raw string) Whois {
	w := Whois{Fields: map[string]string{}, NameServers: []string{}, IPs: []string{}}
	ns := newOrderedSet()
	ips := newOrderedSet()

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ">>>") {
			continue
		}
		key, value, ok := splitField(line)
		if !ok {
			continue
		}
		lower := strings.ToLower(key)
		if _, exists := w.Fields[lower]; !exists {
			w.Fields[lower] = value
		}

		switch {
		case lower == "registrar" || lower == "sponsoring registrar":
			if w.Registrar == "" {
				w.Registrar = value
			}
		case lower == "creation date" || lower == "created" || lower == "registered on":
			if w.Created == "" {
				w.Created = value
			}
		case strings.Contains(lower, "expiry date") || strings.Contains(lower, "expiration date") || lower == "expires on":
			if w.Expires == "" {
				w.Expires = value
			}
		case lower == "name server" || lower == "nserver" || lower == "nameservers":
			ns.add(strings.ToLower(strings.Fields(value)[0]))
		}

		for _, ip := range ipv4Pattern.FindAllString(value, -1) {
			ips.add(ip)
		}
	}

	w.NameServers = ns.items()
	w.IPs = ips.items()
	return w
}
