package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOOLS_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Reaper.Interval != 5*time.Minute || cfg.Reaper.TTL != 10*time.Minute {
		t.Errorf("reaper = %+v", cfg.Reaper)
	}
	if got := cfg.Sandbox.ToolTimeouts.For("nmap_scan"); got != 10*time.Minute {
		t.Errorf("nmap budget = %v", got)
	}
	if got := cfg.Sandbox.ToolTimeouts.For("unknown_tool"); got != 30*time.Second {
		t.Errorf("default budget = %v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SESSION_TTL", "3m")
	t.Setenv("MAX_CONCURRENT_COMMANDS", "2")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Reaper.TTL != 3*time.Minute {
		t.Errorf("ttl = %v", cfg.Reaper.TTL)
	}
	if cfg.Sandbox.MaxConcurrentCommands != 2 {
		t.Errorf("max concurrent = %d", cfg.Sandbox.MaxConcurrentCommands)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
}

func TestLoadToolsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	body := `sandbox_image: recon-sandbox:2.0
timeouts:
  default: 45s
  tools:
    nmap_scan: 20m
    custom_probe: 5s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOOLS_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Sandbox.Image != "recon-sandbox:2.0" {
		t.Errorf("image = %q", cfg.Sandbox.Image)
	}
	tt := cfg.Sandbox.ToolTimeouts
	if tt.Default != 45*time.Second || tt.For("nmap_scan") != 20*time.Minute || tt.For("custom_probe") != 5*time.Second {
		t.Errorf("timeouts = %+v", tt)
	}
	if tt.For("dns_lookup") != 15*time.Second {
		t.Errorf("built-in budget lost: %v", tt.For("dns_lookup"))
	}
}

func TestLoadRejectsBadToolsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	if err := os.WriteFile(path, []byte("timeouts:\n  default: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOOLS_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestValidateRejectsFloatingImage(t *testing.T) {
	t.Setenv("SANDBOX_IMAGE", "recon-sandbox:latest")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for :latest image")
	}
}

func TestLoadAgentQueueAndTranscript(t *testing.T) {
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("QUEUE_MAX_DELIVER", "7")
	t.Setenv("TRANSCRIPT_LOG_ENABLED", "true")
	t.Setenv("TRANSCRIPT_LOG_DIR", "/tmp/transcripts")
	t.Setenv("DEV_MODE", "not-a-bool")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Queue.NATSURL != "nats://localhost:4222" || cfg.Queue.MaxDeliver != 7 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if !cfg.Transcript.Enabled || cfg.Transcript.Dir != "/tmp/transcripts" {
		t.Errorf("transcript = %+v", cfg.Transcript)
	}
	if cfg.IsDev {
		t.Error("unparseable DEV_MODE should fall back to false")
	}
	if cfg.Agent.MaxIterations != 5 || cfg.CancelCacheTTL != 2*time.Second {
		t.Errorf("agent = %+v, cancel ttl = %v", cfg.Agent, cfg.CancelCacheTTL)
	}
}

func TestValidateRejectsEmptyTranscriptDir(t *testing.T) {
	t.Setenv("TRANSCRIPT_LOG_ENABLED", "1")
	t.Setenv("TRANSCRIPT_LOG_DIR", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted an enabled transcript without a directory")
	}
}
