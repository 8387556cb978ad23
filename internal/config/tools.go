package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolTimeouts is the per-tool execution budget table.
type ToolTimeouts struct {
	Default time.Duration
	PerTool map[string]time.Duration
}

// DefaultToolTimeouts returns the built-in budgets: quick lookups get
// seconds, heavy scans get minutes.
func DefaultToolTimeouts() ToolTimeouts {
	return ToolTimeouts{
		Default: 30 * time.Second,
		PerTool: map[string]time.Duration{
			"dns_lookup":       15 * time.Second,
			"whois_lookup":     20 * time.Second,
			"security_headers": 30 * time.Second,
			"tech_detect":      30 * time.Second,
			"subdomain_enum":   3 * time.Minute,
			"http_probe":       2 * time.Minute,
			"nmap_scan":        10 * time.Minute,
			"vuln_scan":        15 * time.Minute,
		},
	}
}

// For returns the budget for tool, falling back to the default.
func (t ToolTimeouts) For(tool string) time.Duration {
	if d, ok := t.PerTool[tool]; ok && d > 0 {
		return d
	}
	return t.Default
}

// toolsFile is the on-disk YAML layout:
//
//	sandbox_image: recon-sandbox:1.1
//	timeouts:
//	  default: 45s
//	  tools:
//	    nmap_scan: 20m
type toolsFile struct {
	SandboxImage string `yaml:"sandbox_image"`
	Timeouts     struct {
		Default string            `yaml:"default"`
		Tools   map[string]string `yaml:"tools"`
	} `yaml:"timeouts"`
}

func (c *Config) applyToolsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var f toolsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if f.SandboxImage != "" {
		c.Sandbox.Image = f.SandboxImage
	}
	if f.Timeouts.Default != "" {
		d, err := time.ParseDuration(f.Timeouts.Default)
		if err != nil {
			return fmt.Errorf("timeouts.default: %w", err)
		}
		c.Sandbox.ToolTimeouts.Default = d
	}
	for tool, raw := range f.Timeouts.Tools {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("timeouts.tools.%s: %w", tool, err)
		}
		if c.Sandbox.ToolTimeouts.PerTool == nil {
			c.Sandbox.ToolTimeouts.PerTool = make(map[string]time.Duration)
		}
		c.Sandbox.ToolTimeouts.PerTool[tool] = d
	}
	return nil
}
