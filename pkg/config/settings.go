// Package config loads runtime settings from the environment and the
// security policy from YAML, merging user policy over the built-in one.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds all environment-driven runtime configuration. Every field
// has a default; SENTINEL_PIN is the only value that must be set explicitly
// for the HTTP surface to come up.
type Settings struct {
	Host string
	Port int

	// PIN protecting every non-exempt HTTP endpoint.
	PIN string

	// Origins allowed for CORS and WebSocket upgrades. Empty means
	// same-origin only.
	AllowedOrigins []string

	// SQLite database path.
	DatabasePath string

	// Directory the tool executor is allowed to touch.
	WorkspaceDir string

	// Persistent vector store directory for the memory subsystem.
	MemoryDir string

	// Optional YAML policy file merged over the built-in policy.
	PolicyFile string

	// Default approval mode for tasks: full, smart, or auto.
	ApprovalMode string

	// Store a one-line summary of every successful task.
	AutoMemory bool

	// Include raw worker output in blocked step results.
	VerboseResults bool

	PlannerModel     string
	PlannerMaxTokens int

	WorkerBaseURL string
	WorkerModel   string
	WorkerTimeout time.Duration

	// Ollama model used for memory embeddings.
	EmbedModel string

	SessionTTL      time.Duration
	SessionMaxCount int

	RiskWarnThreshold  float64
	RiskBlockThreshold float64

	ApprovalTimeout time.Duration

	RoutineEnabled       bool
	RoutineTickInterval  time.Duration
	RoutineMaxConcurrent int
	RoutineTimeout       time.Duration
	RoutineMaxPerUser    int

	MaxRequestBytes int64

	PromptGuardEnabled   bool
	PromptGuardRequired  bool
	PromptGuardURL       string
	PromptGuardThreshold float64

	CodeShieldEnabled  bool
	CodeShieldRequired bool

	// Base URL of the code shield sidecar. Defaults to the prompt guard
	// URL, so a single sidecar can serve both classifiers.
	CodeShieldURL string

	SpotlightingEnabled bool

	// Command line for the messaging channel subprocess; empty disables it.
	MessagingCommand string

	LogLevel slog.Level
}

// Load reads settings from the environment, applying defaults. It never
// fails on a missing variable; Validate reports what is actually required.
func Load() *Settings {
	s := &Settings{
		Host:         envStr("SENTINEL_HOST", "0.0.0.0"),
		Port:         envInt("SENTINEL_PORT", 8080),
		PIN:          loadPIN(),

		AllowedOrigins: splitList(os.Getenv("SENTINEL_ALLOWED_ORIGINS")),
		DatabasePath:   envStr("SENTINEL_DB_PATH", "data/sentinel.db"),
		WorkspaceDir:   envStr("SENTINEL_WORKSPACE_DIR", "/workspace"),
		MemoryDir:      envStr("SENTINEL_MEMORY_DIR", "data/memory"),
		PolicyFile:     os.Getenv("SENTINEL_POLICY_FILE"),

		ApprovalMode:   envStr("SENTINEL_APPROVAL_MODE", "smart"),
		AutoMemory:     envBool("SENTINEL_AUTO_MEMORY", true),
		VerboseResults: envBool("SENTINEL_VERBOSE_RESULTS", false),

		PlannerModel:     envStr("SENTINEL_PLANNER_MODEL", "claude-sonnet-4-5"),
		PlannerMaxTokens: envInt("SENTINEL_PLANNER_MAX_TOKENS", 4096),

		WorkerBaseURL: envStr("SENTINEL_WORKER_URL", "http://sentinel-qwen:11434"),
		WorkerModel:   envStr("SENTINEL_WORKER_MODEL", "qwen3:14b"),
		WorkerTimeout: envDuration("SENTINEL_WORKER_TIMEOUT", 120*time.Second),

		EmbedModel: envStr("SENTINEL_EMBED_MODEL", "nomic-embed-text"),

		SessionTTL:      envDuration("SENTINEL_SESSION_TTL", 3600*time.Second),
		SessionMaxCount: envInt("SENTINEL_SESSION_MAX_COUNT", 1000),

		RiskWarnThreshold:  envFloat("SENTINEL_RISK_WARN_THRESHOLD", 3.0),
		RiskBlockThreshold: envFloat("SENTINEL_RISK_BLOCK_THRESHOLD", 5.0),

		ApprovalTimeout: envDuration("SENTINEL_APPROVAL_TIMEOUT", 300*time.Second),

		RoutineEnabled:       envBool("SENTINEL_ROUTINE_ENABLED", true),
		RoutineTickInterval:  envDuration("SENTINEL_ROUTINE_TICK", 15*time.Second),
		RoutineMaxConcurrent: envInt("SENTINEL_ROUTINE_MAX_CONCURRENT", 3),
		RoutineTimeout:       envDuration("SENTINEL_ROUTINE_TIMEOUT", 300*time.Second),
		RoutineMaxPerUser:    envInt("SENTINEL_ROUTINE_MAX_PER_USER", 50),

		MaxRequestBytes: int64(envInt("SENTINEL_MAX_REQUEST_BYTES", 1048576)),

		PromptGuardEnabled:   envBool("SENTINEL_PROMPT_GUARD_ENABLED", false),
		PromptGuardRequired:  envBool("SENTINEL_PROMPT_GUARD_REQUIRED", false),
		PromptGuardURL:       envStr("SENTINEL_PROMPT_GUARD_URL", "http://localhost:8001"),
		PromptGuardThreshold: envFloat("SENTINEL_PROMPT_GUARD_THRESHOLD", 0.9),

		CodeShieldEnabled:  envBool("SENTINEL_CODE_SHIELD_ENABLED", false),
		CodeShieldRequired: envBool("SENTINEL_CODE_SHIELD_REQUIRED", false),
		CodeShieldURL:      os.Getenv("SENTINEL_CODE_SHIELD_URL"),

		SpotlightingEnabled: envBool("SENTINEL_SPOTLIGHTING", true),

		MessagingCommand: os.Getenv("SENTINEL_MESSAGING_COMMAND"),

		LogLevel: parseLogLevel(envStr("SENTINEL_LOG_LEVEL", "info")),
	}
	if s.CodeShieldURL == "" {
		s.CodeShieldURL = s.PromptGuardURL
	}
	return s
}

// Validate checks invariants between settings.
func (s *Settings) Validate() error {
	if s.PIN == "" {
		return fmt.Errorf("SENTINEL_PIN must be set")
	}
	if len(s.PIN) < 6 {
		return fmt.Errorf("SENTINEL_PIN must be at least 6 characters")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("SENTINEL_PORT %d out of range", s.Port)
	}
	switch s.ApprovalMode {
	case "full", "smart", "auto":
	default:
		return fmt.Errorf("SENTINEL_APPROVAL_MODE must be full, smart, or auto, got %q", s.ApprovalMode)
	}
	if s.RiskWarnThreshold >= s.RiskBlockThreshold {
		return fmt.Errorf("risk warn threshold (%.1f) must be below block threshold (%.1f)",
			s.RiskWarnThreshold, s.RiskBlockThreshold)
	}
	if s.PromptGuardThreshold <= 0 || s.PromptGuardThreshold > 1 {
		return fmt.Errorf("SENTINEL_PROMPT_GUARD_THRESHOLD %.2f out of range (0, 1]", s.PromptGuardThreshold)
	}
	return nil
}

// Addr returns the host:port listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// loadPIN reads the PIN from SENTINEL_PIN, falling back to the contents
// of the file named by SENTINEL_PIN_FILE.
func loadPIN() string {
	if pin := os.Getenv("SENTINEL_PIN"); pin != "" {
		return pin
	}
	path := os.Getenv("SENTINEL_PIN_FILE")
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("reading pin file", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

// envDuration accepts either a Go duration string ("90s", "2m") or a bare
// number of seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	slog.Warn("invalid duration in environment, using default", "key", key, "value", v, "default", def)
	return def
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
