// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	DBPath      string
	LogLevel    string
	CORSOrigins []string
	IsDev       bool

	Sandbox    SandboxConfig
	Reaper     ReaperConfig
	LLM        LLMConfig
	Agent      AgentConfig
	Queue      QueueConfig
	Telemetry  TelemetryConfig
	Transcript TranscriptConfig

	// CancelCacheTTL bounds how stale a cached cancellation flag may be.
	CancelCacheTTL time.Duration

	// MinEvidenceLines is how many raw log lines must exist before a final
	// report may be generated.
	MinEvidenceLines int
}

// SandboxConfig controls the isolated execution environments.
type SandboxConfig struct {
	Image                 string
	Runtime               string // Docker runtime: "" = default (runc), "runsc" = gVisor
	Network               string
	MaxConcurrentCommands int
	CancelPollInterval    time.Duration
	OutputLimitBytes      int
	ToolTimeouts          ToolTimeouts
}

// ReaperConfig controls the idle-session sweep.
type ReaperConfig struct {
	Interval     time.Duration
	TTL          time.Duration
	InitialDelay time.Duration
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	MaxIterations int
}

// QueueConfig selects the pipeline transport. An empty NATSURL selects the
// in-process queue.
type QueueConfig struct {
	NATSURL    string
	MaxDeliver int
	AckWait    time.Duration
}

// TranscriptConfig controls the per-conversation NDJSON transcript.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TelemetryConfig enables OTLP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
}

// Load reads configuration from environment variables, then overlays the
// optional YAML tools file named by TOOLS_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DBPath:      getEnv("DB_PATH", "./data/recon.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
		IsDev:       getEnvBool("DEV_MODE", false),
		Sandbox: SandboxConfig{
			Image:                 getEnv("SANDBOX_IMAGE", "recon-sandbox:1.0"),
			Runtime:               getEnv("CONTAINER_RUNTIME", ""),
			Network:               getEnv("SANDBOX_NETWORK", "shsh-recon"),
			MaxConcurrentCommands: getEnvInt("MAX_CONCURRENT_COMMANDS", 8),
			CancelPollInterval:    getEnvDuration("CANCEL_POLL_INTERVAL", 2*time.Second),
			OutputLimitBytes:      getEnvInt("SANDBOX_OUTPUT_LIMIT", 64*1024),
			ToolTimeouts:          DefaultToolTimeouts(),
		},
		Reaper: ReaperConfig{
			Interval:     getEnvDuration("REAPER_INTERVAL", 5*time.Minute),
			TTL:          getEnvDuration("SESSION_TTL", 10*time.Minute),
			InitialDelay: getEnvDuration("REAPER_INITIAL_DELAY", 30*time.Second),
		},
		LLM: LLMConfig{
			BaseURL:   strings.TrimRight(getEnv("LLM_BASE_URL", "https://api.openai.com/v1"), "/"),
			APIKey:    getEnv("LLM_API_KEY", ""),
			Model:     getEnv("LLM_MODEL", "gpt-4o-mini"),
			MaxTokens: getEnvInt("LLM_MAX_TOKENS", 2048),
			Timeout:   getEnvDuration("LLM_TIMEOUT", 90*time.Second),
		},
		Agent: AgentConfig{
			MaxIterations: getEnvInt("AGENT_MAX_ITERATIONS", 5),
		},
		Queue: QueueConfig{
			NATSURL:    getEnv("NATS_URL", ""),
			MaxDeliver: getEnvInt("QUEUE_MAX_DELIVER", 5),
			AckWait:    getEnvDuration("QUEUE_ACK_WAIT", time.Hour),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "shsh-recon"),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/transcripts"),
			QueueSize: getEnvInt("TRANSCRIPT_LOG_QUEUE", 256),
		},
		CancelCacheTTL:   getEnvDuration("CANCEL_CACHE_TTL", 2*time.Second),
		MinEvidenceLines: getEnvInt("MIN_EVIDENCE_LINES", 5),
	}

	if path := getEnv("TOOLS_CONFIG", ""); path != "" {
		if err := cfg.applyToolsFile(path); err != nil {
			return nil, fmt.Errorf("load tools config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if !strings.Contains(c.Sandbox.Image, ":") || strings.HasSuffix(c.Sandbox.Image, ":latest") {
		return fmt.Errorf("SANDBOX_IMAGE must be a pinned tag, got %q", c.Sandbox.Image)
	}
	if c.Sandbox.MaxConcurrentCommands <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_COMMANDS must be > 0")
	}
	if c.Sandbox.CancelPollInterval <= 0 {
		return fmt.Errorf("CANCEL_POLL_INTERVAL must be > 0")
	}
	if c.Sandbox.ToolTimeouts.Default <= 0 {
		return fmt.Errorf("default tool timeout must be > 0")
	}
	if c.Reaper.Interval <= 0 || c.Reaper.TTL <= 0 {
		return fmt.Errorf("REAPER_INTERVAL and SESSION_TTL must be > 0")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("AGENT_MAX_ITERATIONS must be > 0")
	}
	if c.Queue.MaxDeliver <= 0 {
		return fmt.Errorf("QUEUE_MAX_DELIVER must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty when transcripts are enabled")
	}
	if c.MinEvidenceLines <= 0 {
		return fmt.Errorf("MIN_EVIDENCE_LINES must be > 0")
	}
	return nil
}

// LLMEnabled reports whether an API key was configured.
func (c *Config) LLMEnabled() bool {
	return c.LLM.APIKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
