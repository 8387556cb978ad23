// Package parser turns raw tool output into structured records. Every parser
// tolerates empty or malformed input and returns a zero value instead of an
// error.
package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Port is one service line from a port scan.
type Port struct {
	Number   int    `json:"port"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Service  string `json:"service"`
	Version  string `json:"version,omitempty"`
}

// PortScan is the parsed form of an nmap report.
type PortScan struct {
	Host   string `json:"host"`
	Status string `json:"status"`
	Ports  []Port `json:"ports"`
}

// Open returns the ports reported as open.
func (p PortScan) Open() []Port {
	var out []Port
	for _, port := range p.Ports {
		if port.State == "open" {
			out = append(out, port)
		}
	}
	return out
}

var (
	portLine   = regexp.MustCompile(`^(\d+)/(tcp|udp)\s+(\S+)\s+(\S+)(?:\s+(.+))?$`)
	reportLine = regexp.MustCompile(`^Nmap scan report for (.+)$`)
)

var downPhrases = []string{"host seems down", "0 hosts up", "host is down", "host down"}

// ParsePortScan parses nmap normal output.
func ParsePortScan(raw string) PortScan {
	scan := PortScan{Status: "unknown", Ports: []Port{}}
	down := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := reportLine.FindStringSubmatch(line); m != nil && scan.Host == "" {
			scan.Host = strings.TrimSpace(m[1])
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "host is up") {
			scan.Status = "up"
			continue
		}
		for _, phrase := range downPhrases {
			if strings.Contains(lower, phrase) {
				down = true
			}
		}
		m := portLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 65535 {
			continue
		}
		scan.Ports = append(scan.Ports, Port{
			Number:   n,
			Protocol: m[2],
			State:    m[3],
			Service:  m[4],
			Version:  strings.TrimSpace(m[5]),
		})
	}

	if down {
		scan.Status = "down"
	}
	return scan
}
