package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/resgov/internal/orchestrator"
	"github.com/skobkin/resgov/internal/policy"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	EnableTracing    bool
	LogLevel         slog.Level
	LogFormat        string
	SysfsRoot        string
	ProcRoot         string
	CgroupRoot       string
	ProbeNVML        bool
	PolicyFile       string
	Policy           policy.Policy
	WS               WebsocketConfig
	Governor         GovernorConfig
	LLM              LLMConfig
	Cache            CacheConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// GovernorConfig holds the control loop cadences.
type GovernorConfig struct {
	SignalInterval     time.Duration
	MemoryInterval     time.Duration
	MetricsInterval    time.Duration
	EvaluationInterval time.Duration
	HistorySize        int
	Strategy           string
	BackgroundBudget   time.Duration
	BufferPoolSize     int
	// OverrideRate limits manual overrides per second.
	OverrideRate  float64
	OverrideBurst int
}

// LLMConfig locates the inference runtime.
type LLMConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	ModelPath    string
	ContextSize  int
	SystemPrompt string
}

// CacheConfig sizes the response caches.
type CacheConfig struct {
	Dir      string
	MaxBytes int64
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		EnableTracing:    false,
		LogLevel:         slog.LevelInfo,
		LogFormat:        "text",
		SysfsRoot:        "/sys",
		ProcRoot:         "/proc",
		Policy:           policy.Default(),
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Governor: GovernorConfig{
			SignalInterval:     2 * time.Second,
			MemoryInterval:     5 * time.Second,
			MetricsInterval:    2 * time.Second,
			EvaluationInterval: 10 * time.Second,
			HistorySize:        300,
			Strategy:           orchestrator.StrategyBalanced,
			BufferPoolSize:     16,
			OverrideRate:       1,
			OverrideBurst:      3,
		},
		LLM: LLMConfig{
			BaseURL:     "http://127.0.0.1:8081/v1",
			ContextSize: 4096,
		},
		Cache: CacheConfig{
			MaxBytes: 32 << 20,
		},
	}

	if value := env("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	for key, dst := range map[string]*bool{
		"APP_ENABLE_PROMETHEUS": &cfg.EnablePrometheus,
		"APP_ENABLE_PPROF":      &cfg.EnablePprof,
		"APP_ENABLE_TRACING":    &cfg.EnableTracing,
		"APP_PROBE_NVML":        &cfg.ProbeNVML,
	} {
		if err := parseBool(key, dst); err != nil {
			return Config{}, err
		}
	}

	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := env("APP_LOG_FORMAT"); value != "" {
		switch format := strings.ToLower(value); format {
		case "text", "json":
			cfg.LogFormat = format
		default:
			return Config{}, fmt.Errorf("parse APP_LOG_FORMAT: unsupported format %q", value)
		}
	}

	for key, dst := range map[string]*string{
		"APP_SYSFS_ROOT":     &cfg.SysfsRoot,
		"APP_PROC_ROOT":      &cfg.ProcRoot,
		"APP_CGROUP_ROOT":    &cfg.CgroupRoot,
		"APP_LLM_BASE_URL":   &cfg.LLM.BaseURL,
		"APP_LLM_API_KEY":    &cfg.LLM.APIKey,
		"APP_LLM_MODEL":      &cfg.LLM.Model,
		"APP_LLM_MODEL_PATH": &cfg.LLM.ModelPath,
		"APP_LLM_SYSTEM":     &cfg.LLM.SystemPrompt,
		"APP_CACHE_DIR":      &cfg.Cache.Dir,
	} {
		if value := env(key); value != "" {
			*dst = value
		}
	}

	for key, dst := range map[string]*time.Duration{
		"APP_WS_WRITE_TIMEOUT":    &cfg.WS.WriteTimeout,
		"APP_WS_READ_TIMEOUT":     &cfg.WS.ReadTimeout,
		"APP_SIGNAL_INTERVAL":     &cfg.Governor.SignalInterval,
		"APP_MEMORY_INTERVAL":     &cfg.Governor.MemoryInterval,
		"APP_METRICS_INTERVAL":    &cfg.Governor.MetricsInterval,
		"APP_EVALUATION_INTERVAL": &cfg.Governor.EvaluationInterval,
		"APP_BACKGROUND_BUDGET":   &cfg.Governor.BackgroundBudget,
	} {
		if err := parsePositiveDuration(key, dst); err != nil {
			return Config{}, err
		}
	}

	for key, dst := range map[string]*int{
		"APP_WS_MAX_CLIENTS":   &cfg.WS.MaxClients,
		"APP_HISTORY_SIZE":     &cfg.Governor.HistorySize,
		"APP_BUFFER_POOL_SIZE": &cfg.Governor.BufferPoolSize,
		"APP_OVERRIDE_BURST":   &cfg.Governor.OverrideBurst,
		"APP_LLM_CONTEXT_SIZE": &cfg.LLM.ContextSize,
	} {
		if err := parsePositiveInt(key, dst); err != nil {
			return Config{}, err
		}
	}

	if value := env("APP_OVERRIDE_RATE"); value != "" {
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_OVERRIDE_RATE: %w", err)
		}
		if rate <= 0 {
			return Config{}, fmt.Errorf("APP_OVERRIDE_RATE must be > 0")
		}
		cfg.Governor.OverrideRate = rate
	}

	if value := env("APP_CACHE_MAX_BYTES"); value != "" {
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_CACHE_MAX_BYTES: %w", err)
		}
		if size <= 0 {
			return Config{}, fmt.Errorf("APP_CACHE_MAX_BYTES must be > 0")
		}
		cfg.Cache.MaxBytes = size
	}

	if value := env("APP_STRATEGY"); value != "" {
		s, err := orchestrator.StrategyByName(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_STRATEGY: %w", err)
		}
		cfg.Governor.Strategy = s.Name
	}

	if value := env("APP_POLICY_FILE"); value != "" {
		p, err := policy.LoadFile(value)
		if err != nil {
			return Config{}, err
		}
		cfg.PolicyFile = value
		cfg.Policy = p
	}
	if cfg.Governor.BackgroundBudget > 0 {
		cfg.Policy.Lifecycle.GrantBudget = cfg.Governor.BackgroundBudget
	}

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func parseBool(key string, dst *bool) error {
	value := env(key)
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func parsePositiveDuration(key string, dst *time.Duration) error {
	value := env(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func parsePositiveInt(key string, dst *int) error {
	value := env(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = n
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
