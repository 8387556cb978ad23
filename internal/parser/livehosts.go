package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// LiveHost is an HTTP endpoint that answered a probe.
type LiveHost struct {
	URL        string   `json:"url"`
	StatusCode int      `json:"status_code,omitempty"`
	Title      string   `json:"title,omitempty"`
	WebServer  string   `json:"webserver,omitempty"`
	Tech       []string `json:"tech,omitempty"`
}

type httpxRecord struct {
	URL        string   `json:"url"`
	Input      string   `json:"input"`
	StatusCode int      `json:"status_code"`
	Title      string   `json:"title"`
	WebServer  string   `json:"webserver"`
	Tech       []string `json:"tech"`
}

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s\[\]]+`)
	statusPattern = regexp.MustCompile(`\[(\d{3})\]`)
)

// ParseLiveHosts reads httpx output. JSON lines are preferred; plain text
// output is scanned for URLs and bracketed status codes.
func ParseLiveHosts(raw string) []LiveHost {
	lines := strings.Split(raw, "\n")

	var structured []LiveHost
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rec httpxRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.URL == "" {
			continue
		}
		structured = append(structured, LiveHost{
			URL:        rec.URL,
			StatusCode: rec.StatusCode,
			Title:      rec.Title,
			WebServer:  rec.WebServer,
			Tech:       rec.Tech,
		})
	}
	if len(structured) > 0 {
		return structured
	}

	hosts := []LiveHost{}
	for _, line := range lines {
		u := urlPattern.FindString(line)
		if u == "" {
			continue
		}
		host := LiveHost{URL: u}
		if m := statusPattern.FindStringSubmatch(line); m != nil {
			host.StatusCode, _ = strconv.Atoi(m[1])
		}
		hosts = append(hosts, host)
	}
	return hosts
}
