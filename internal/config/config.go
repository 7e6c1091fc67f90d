// Package config provides configuration for the report service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int
	RPCPort  int

	// Database
	DatabaseURL string

	// LLM settings
	LiteLLMURL     string
	LiteLLMAPIKey  string
	LLMTimeout     time.Duration
	AnalysisModels []string
	SynthesisModel string

	// Market data
	MarketDataURL    string
	MarketDataAPIKey string
	MarketTimeout    time.Duration

	// Pipelines
	AnalysisMinSuccess    int
	AnalysisConcurrency   int
	ResearchMaxIterations int

	// Streaming
	StreamPollInterval time.Duration
	StreamBatchSize    int
	ReplayMaxDelay     time.Duration

	// Run supervision
	RunTimeout         time.Duration
	StaleSweepInterval time.Duration
	RunCacheSize       int

	// Logging
	LogLevel string
	Mode     string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:              getEnvInt("HTTP_PORT", 8080),
		RPCPort:               getEnvInt("RPC_PORT", 8082),
		DatabaseURL:           getEnv("DATABASE_URL", "file:reports.db?mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on"),
		LiteLLMURL:            getEnv("LITELLM_URL", "http://localhost:4000"),
		LiteLLMAPIKey:         getEnv("LITELLM_API_KEY", ""),
		LLMTimeout:            getEnvMillis("LLM_TIMEOUT_MS", 120000),
		AnalysisModels:        getEnvList("ANALYSIS_MODELS", []string{"gpt-4o", "claude-sonnet", "gemini-pro"}),
		SynthesisModel:        getEnv("SYNTHESIS_MODEL", "gpt-4o"),
		MarketDataURL:         getEnv("MARKET_DATA_URL", ""),
		MarketDataAPIKey:      getEnv("MARKET_DATA_API_KEY", ""),
		MarketTimeout:         getEnvMillis("MARKET_TIMEOUT_MS", 15000),
		AnalysisMinSuccess:    getEnvInt("ANALYSIS_MIN_SUCCESS", 1),
		AnalysisConcurrency:   getEnvInt("ANALYSIS_CONCURRENCY", 4),
		ResearchMaxIterations: getEnvInt("RESEARCH_MAX_ITERATIONS", 5),
		StreamPollInterval:    getEnvMillis("STREAM_POLL_INTERVAL_MS", 500),
		StreamBatchSize:       getEnvInt("STREAM_BATCH_SIZE", 100),
		ReplayMaxDelay:        getEnvMillis("REPLAY_MAX_DELAY_MS", 2000),
		RunTimeout:            getEnvMillis("RUN_TIMEOUT_MS", 900000),
		StaleSweepInterval:    getEnvMillis("STALE_SWEEP_INTERVAL_MS", 30000),
		RunCacheSize:          getEnvInt("RUN_CACHE_SIZE", 512),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		Mode:                  getEnv("GOGO_MODE", ""),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
