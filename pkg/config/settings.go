// Package config enumerates every runtime knob of the analyzer with its
// default, loads overrides from the environment once at startup and validates
// the result. Settings are immutable after Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLMSettings configures the multi-endpoint LLM client.
type LLMSettings struct {
	Endpoints      []string
	Model          string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration // per attempt
	MaxRetries     int           // per endpoint
	BackoffBase    float64       // seconds, exponential base multiplier
	APIKey         string
	MaxPromptChars int
	TruncateBuffer int
	CharsPerToken  float64
}

// StoreSettings configures the relational PEG store.
type StoreSettings struct {
	PoolSize   int
	MaxRetries int
	RetryDelay time.Duration
	MaxRows    int
}

// Thresholds holds the trend/significance classification cut-offs in percent.
// They are configuration, defaulting to the historical policy values.
type Thresholds struct {
	StablePct float64 // below this magnitude a change is STABLE
	MediumPct float64 // above this magnitude significance is MEDIUM
	HighPct   float64 // above this magnitude significance is HIGH
}

// BackendSettings configures the downstream result POST.
type BackendSettings struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

// Settings is the process-wide configuration. Loaded once, read-only after.
type Settings struct {
	DefaultTZOffset   string
	PromptPreviewRows int
	TemplatePath      string
	LogLevel          string

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	LLM        LLMSettings
	Store      StoreSettings
	Thresholds Thresholds
	Backend    BackendSettings
}

// Load reads the environment and returns validated settings.
func Load() (*Settings, error) {
	s := &Settings{
		DefaultTZOffset:   envStr("DEFAULT_TZ_OFFSET", "+09:00"),
		PromptPreviewRows: envInt("PROMPT_PREVIEW_ROWS", 200),
		TemplatePath:      envStr("PROMPT_CONFIG_PATH", "config/prompts/v1.yaml"),
		LogLevel:          envStr("LOG_LEVEL", "info"),

		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     envInt("DB_PORT", 5432),
		DBName:     envStr("DB_NAME", "netperf"),
		DBUser:     envStr("DB_USER", "postgres"),
		DBPassword: envStr("DB_PASSWORD", ""),

		LLM: LLMSettings{
			Endpoints:      envList("LLM_ENDPOINTS", "http://localhost:8000"),
			Model:          envStr("LLM_MODEL", "Gemma-3-27B"),
			Temperature:    envFloat("LLM_TEMPERATURE", 0.2),
			MaxTokens:      envInt("LLM_MAX_TOKENS", 4096),
			Timeout:        time.Duration(envInt("LLM_TIMEOUT", 180)) * time.Second,
			MaxRetries:     envInt("LLM_MAX_RETRIES", 3),
			BackoffBase:    envFloat("LLM_BACKOFF_BASE", 1.0),
			APIKey:         os.Getenv("LLM_API_KEY"),
			MaxPromptChars: envInt("DEFAULT_MAX_PROMPT_CHARS", 80000),
			TruncateBuffer: envInt("PROMPT_TRUNCATE_BUFFER", 200),
			CharsPerToken:  envFloat("CHARS_PER_TOKEN_RATIO", 3.5),
		},
		Store: StoreSettings{
			PoolSize:   envInt("STORE_POOL_SIZE", 10),
			MaxRetries: envInt("STORE_MAX_RETRIES", 2),
			RetryDelay: time.Duration(envInt("STORE_RETRY_DELAY_MS", 100)) * time.Millisecond,
			MaxRows:    envInt("STORE_MAX_ROWS", 1_000_000),
		},
		Thresholds: Thresholds{
			StablePct: envFloat("TREND_STABLE_PCT", 5),
			MediumPct: envFloat("TREND_MEDIUM_PCT", 10),
			HighPct:   envFloat("TREND_HIGH_PCT", 20),
		},
		Backend: BackendSettings{
			URL:        os.Getenv("BACKEND_URL"),
			Timeout:    time.Duration(envInt("BACKEND_TIMEOUT", 30)) * time.Second,
			MaxRetries: envInt("BACKEND_MAX_RETRIES", 2),
		},
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings no component could run with.
func (s *Settings) Validate() error {
	if len(s.LLM.Endpoints) == 0 {
		return fmt.Errorf("config: LLM_ENDPOINTS must list at least one endpoint")
	}
	if s.LLM.Model == "" {
		return fmt.Errorf("config: LLM_MODEL must not be empty")
	}
	if s.LLM.MaxPromptChars <= s.LLM.TruncateBuffer {
		return fmt.Errorf("config: DEFAULT_MAX_PROMPT_CHARS (%d) must exceed PROMPT_TRUNCATE_BUFFER (%d)",
			s.LLM.MaxPromptChars, s.LLM.TruncateBuffer)
	}
	if s.Store.PoolSize < 1 {
		return fmt.Errorf("config: STORE_POOL_SIZE must be >= 1")
	}
	if s.Store.MaxRows < 1 {
		return fmt.Errorf("config: STORE_MAX_ROWS must be >= 1")
	}
	if !(s.Thresholds.StablePct <= s.Thresholds.MediumPct && s.Thresholds.MediumPct <= s.Thresholds.HighPct) {
		return fmt.Errorf("config: trend thresholds must be ordered stable <= medium <= high")
	}
	return nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envList(key, def string) []string {
	raw := envStr(key, def)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
