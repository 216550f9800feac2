// Package config provides centralized configuration for the crowdrank server.
// Values come from defaults, an optional .env.local or YAML file, and the
// process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultEnvFile is read when no config file is given and it exists.
const DefaultEnvFile = ".env.local"

// Provider names accepted by LLM_PROVIDER.
const (
	ProviderTogether = "together"
	ProviderOpenAI   = "openai"
	ProviderClaude   = "claude"
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderStub     = "stub"
)

// Config holds all server configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string

	// DBPath is the path to the SQLite database file.
	DBPath string

	// LLMProvider selects the completion backend.
	LLMProvider string

	TogetherKey     string
	TogetherBaseURL string
	TogetherModel   string

	OpenAIKey   string
	OpenAIModel string

	AnthropicKey   string
	AnthropicModel string

	GeminiKey   string
	GeminiModel string

	OllamaURL   string
	OllamaModel string

	// WorkerCount is how many generation jobs run at once.
	WorkerCount int

	// WorkerInterval is the polling interval for idle workers.
	WorkerInterval time.Duration

	// HTTPTimeout bounds each outgoing provider or reference request.
	HTTPTimeout time.Duration

	// LLMRateLimit caps model calls per second across all jobs. 0 disables it.
	LLMRateLimit float64
	LLMBurst     int

	// RetryCooldown is the minimum time between two retries of one prompt.
	RetryCooldown time.Duration

	// StuckAfter is how long a prompt may sit without output before it is
	// reported as stuck.
	StuckAfter time.Duration

	// ClaimTTL is how long a ranking task stays reserved for the user who
	// was served it. 0 keeps claims forever.
	ClaimTTL time.Duration

	// MaxReferenceLength is the maximum number of runes kept from a reference.
	MaxReferenceLength int

	// DefaultLanguage applies when a request names no language.
	DefaultLanguage string

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string

	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"DB_PATH":              "crowdrank.db",
	"LLM_PROVIDER":         ProviderTogether,
	"TOGETHER_BASE_URL":    "https://api.together.xyz/v1",
	"TOGETHER_MODEL":       "meta-llama/Meta-Llama-3.1-405B-Instruct-Turbo",
	"OPENAI_MODEL":         "gpt-4o-mini",
	"ANTHROPIC_MODEL":      "claude-sonnet-4-20250514",
	"GEMINI_MODEL":         "gemini-2.0-flash",
	"OLLAMA_URL":           "http://localhost:11434",
	"OLLAMA_MODEL":         "llama3.1",
	"WORKER_COUNT":         2,
	"WORKER_INTERVAL":      "3s",
	"HTTP_TIMEOUT":         "60s",
	"LLM_RATE_LIMIT":       0.0,
	"LLM_BURST":            8,
	"RETRY_COOLDOWN":       "5m",
	"STUCK_AFTER":          "5m",
	"CLAIM_TTL":            "30m",
	"MAX_REFERENCE_LENGTH": 15000,
	"DEFAULT_LANGUAGE":     "en",
	"CORS_ORIGIN":          "*",
	"LOG_LEVEL":            "info",
	"LOG_FORMAT":           "text",
}

// secretKeys are only ever read from a file or the environment.
var secretKeys = []string{"TOGETHER_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY"}

// Load reads configuration. path names a YAML or dotenv file; an empty path
// reads DefaultEnvFile if present. Environment variables override both.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range secretKeys {
		v.SetDefault(k, "")
	}

	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if !isStructured(path) {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config file: %w", err)
	}
	v.AutomaticEnv()

	return Config{
		Port:               v.GetString("PORT"),
		DBPath:             v.GetString("DB_PATH"),
		LLMProvider:        strings.ToLower(v.GetString("LLM_PROVIDER")),
		TogetherKey:        v.GetString("TOGETHER_API_KEY"),
		TogetherBaseURL:    v.GetString("TOGETHER_BASE_URL"),
		TogetherModel:      v.GetString("TOGETHER_MODEL"),
		OpenAIKey:          v.GetString("OPENAI_API_KEY"),
		OpenAIModel:        v.GetString("OPENAI_MODEL"),
		AnthropicKey:       v.GetString("ANTHROPIC_API_KEY"),
		AnthropicModel:     v.GetString("ANTHROPIC_MODEL"),
		GeminiKey:          v.GetString("GEMINI_API_KEY"),
		GeminiModel:        v.GetString("GEMINI_MODEL"),
		OllamaURL:          v.GetString("OLLAMA_URL"),
		OllamaModel:        v.GetString("OLLAMA_MODEL"),
		WorkerCount:        v.GetInt("WORKER_COUNT"),
		WorkerInterval:     v.GetDuration("WORKER_INTERVAL"),
		HTTPTimeout:        v.GetDuration("HTTP_TIMEOUT"),
		LLMRateLimit:       v.GetFloat64("LLM_RATE_LIMIT"),
		LLMBurst:           v.GetInt("LLM_BURST"),
		RetryCooldown:      v.GetDuration("RETRY_COOLDOWN"),
		StuckAfter:         v.GetDuration("STUCK_AFTER"),
		ClaimTTL:           v.GetDuration("CLAIM_TTL"),
		MaxReferenceLength: v.GetInt("MAX_REFERENCE_LENGTH"),
		DefaultLanguage:    v.GetString("DEFAULT_LANGUAGE"),
		CORSOrigin:         v.GetString("CORS_ORIGIN"),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:          strings.ToLower(v.GetString("LOG_FORMAT")),
	}, nil
}

func isStructured(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	}
	return false
}

// Validate reports configuration the server cannot start with. A provider
// selected without its API key is an error; stub and ollama need none.
func (c Config) Validate() error {
	var errs []error
	switch c.LLMProvider {
	case ProviderTogether:
		if c.TogetherKey == "" {
			errs = append(errs, errors.New("TOGETHER_API_KEY is required for provider together"))
		}
	case ProviderOpenAI:
		if c.OpenAIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for provider openai"))
		}
	case ProviderClaude:
		if c.AnthropicKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for provider claude"))
		}
	case ProviderGemini:
		if c.GeminiKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for provider gemini"))
		}
	case ProviderOllama, ProviderStub:
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount))
	}
	if c.WorkerInterval <= 0 {
		errs = append(errs, errors.New("WORKER_INTERVAL must be positive"))
	}
	if c.RetryCooldown < 0 || c.StuckAfter <= 0 || c.ClaimTTL < 0 {
		errs = append(errs, errors.New("RETRY_COOLDOWN, STUCK_AFTER and CLAIM_TTL must not be negative; STUCK_AFTER must be positive"))
	}
	if c.MaxReferenceLength < 1 {
		errs = append(errs, errors.New("MAX_REFERENCE_LENGTH must be positive"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
