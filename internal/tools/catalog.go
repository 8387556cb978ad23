package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ashureev/shsh-recon/internal/llm"
	"github.com/ashureev/shsh-recon/internal/parser"
	"github.com/ashureev/shsh-recon/internal/validate"
)

// Tool names understood by the executor.
const (
	NmapScan        = "nmap_scan"
	DNSLookup       = "dns_lookup"
	WhoisLookup     = "whois_lookup"
	SubdomainEnum   = "subdomain_enum"
	HTTPProbe       = "http_probe"
	SecurityHeaders = "security_headers"
	TechDetect      = "tech_detect"
	VulnScan        = "vuln_scan"
	FinalReport     = "generate_final_report"
)

var targetSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"target": {"type": "string", "description": "Domain name to inspect, e.g. example.com"}
	},
	"required": ["target"]
}`)

// template binds a tool name to its command line and output parser.
type template struct {
	name        string
	description string
	params      json.RawMessage
	argv        func(target string, args map[string]any) ([]string, error)
	parse       func(raw, target string) any
}

func fixed(argv ...string) func(string, map[string]any) ([]string, error) {
	return func(target string, _ map[string]any) ([]string, error) {
		out := make([]string, len(argv))
		for i, a := range argv {
			out[i] = expand(a, target)
		}
		return out, nil
	}
}

func expand(arg, target string) string {
	switch arg {
	case "{target}":
		return target
	case "https://{target}":
		return "https://" + target
	}
	return arg
}

var templates = map[string]template{
	NmapScan: {
		name:        NmapScan,
		description: "Scan TCP ports and detect service versions on a host. Optional ports narrows the scan, e.g. \"22,80,443\" or \"8000-8100\".",
		params: json.RawMessage(`{
	"type": "object",
	"properties": {
		"target": {"type": "string", "description": "Domain name to scan"},
		"ports": {"type": "string", "description": "Port list or ranges; defaults to the top 100 ports"}
	},
	"required": ["target"]
}`),
		argv: func(target string, args map[string]any) ([]string, error) {
			argv := []string{"nmap", "-Pn", "-sV", "-T4"}
			if spec, _ := args["ports"].(string); spec != "" {
				ports, err := validate.Ports(spec)
				if err != nil {
					return nil, err
				}
				return append(argv, "-p", ports, target), nil
			}
			return append(argv, "--top-ports", "100", target), nil
		},
		parse: func(raw, _ string) any { return parser.ParsePortScan(raw) },
	},
	DNSLookup: {
		name:        DNSLookup,
		description: "Resolve A, AAAA, MX, NS and TXT records for a domain.",
		params:      targetSchema,
		argv:        fixed("dig", "+noall", "+answer", "{target}", "A", "{target}", "AAAA", "{target}", "MX", "{target}", "NS", "{target}", "TXT"),
		parse:       func(raw, _ string) any { return parser.ParseDNS(raw) },
	},
	WhoisLookup: {
		name:        WhoisLookup,
		description: "Fetch WHOIS registration data for a domain.",
		params:      targetSchema,
		argv:        fixed("whois", "{target}"),
		parse:       func(raw, _ string) any { return parser.ParseWhois(raw) },
	},
	SubdomainEnum: {
		name:        SubdomainEnum,
		description: "Enumerate subdomains of a domain from passive sources.",
		params:      targetSchema,
		argv:        fixed("subfinder", "-d", "{target}", "-silent"),
		parse:       func(raw, target string) any { return parser.ParseSubdomains(raw, target) },
	},
	HTTPProbe: {
		name:        HTTPProbe,
		description: "Probe a host for live HTTP services, reporting status code, title and technologies.",
		params:      targetSchema,
		argv:        fixed("httpx", "-u", "{target}", "-json", "-silent", "-status-code", "-title", "-tech-detect"),
		parse:       func(raw, _ string) any { return parser.ParseLiveHosts(raw) },
	},
	SecurityHeaders: {
		name:        SecurityHeaders,
		description: "Score the HTTP security headers a site returns.",
		params:      targetSchema,
		argv:        fixed("curl", "-sS", "-I", "-L", "--max-time", "20", "https://{target}"),
		parse:       func(raw, _ string) any { return parser.ParseSecurityHeaders(raw) },
	},
	TechDetect: {
		name:        TechDetect,
		description: "Identify server software and frameworks from HTTP response headers.",
		params:      targetSchema,
		argv:        fixed("curl", "-sS", "-I", "-L", "--max-time", "20", "https://{target}"),
		parse:       func(raw, _ string) any { return parser.ParseTechStack(raw) },
	},
	VulnScan: {
		name:        VulnScan,
		description: "Run template-based vulnerability checks (medium severity and above) against a site.",
		params:      targetSchema,
		argv:        fixed("nuclei", "-u", "https://{target}", "-jsonl", "-silent", "-severity", "medium,high,critical"),
		parse:       func(raw, _ string) any { return parser.ParseFindings(raw) },
	},
}

const finalReportDescription = "Produce the final report. Only call this after tools have gathered evidence; it fails when too little raw output has been recorded."

var finalReportSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string", "description": "Short statement of what the report covers"}
	}
}`)

// Catalog returns the tool definitions offered to the model, sorted by name.
func (e *Executor) Catalog() []llm.Tool {
	out := make([]llm.Tool, 0, len(templates)+1)
	for _, t := range templates {
		out = append(out, llm.Tool{
			Type:     "function",
			Function: llm.Function{Name: t.name, Description: t.description, Parameters: t.params},
		})
	}
	out = append(out, llm.Tool{
		Type:     "function",
		Function: llm.Function{Name: FinalReport, Description: finalReportDescription, Parameters: finalReportSchema},
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

// Known reports whether name is a tool the executor can run.
func Known(name string) bool {
	_, ok := templates[name]
	return ok || name == FinalReport
}

// Command returns the argv that would run for tool against target. It
// applies the same validation as Execute.
func Command(tool, target string, args map[string]any) ([]string, error) {
	t, ok := templates[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	clean, err := cleanTarget(target)
	if err != nil {
		return nil, err
	}
	return t.argv(clean, args)
}
