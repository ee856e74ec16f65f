// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all tunables for the orchestration core. Every field has a
// default so the process runs with an empty environment.
type Config struct {
	Port        string
	Environment string

	// Dispatcher
	MaxParallelTasks int           // concurrent tasks per wave
	TaskMaxRetries   int           // transient-failure retries per task
	RetryBaseDelay   time.Duration // exponential backoff base
	AgentTimeout     time.Duration // per collaborator invocation
	AgentRateLimit   float64       // agent invocations per second, 0 = unlimited
	AgentRateBurst   int

	// Healing
	HealthyThreshold  float64 // health score at or above which an artifact is healthy
	MinConfidence     float64 // analyzer confidence floor
	MaxAttempts       int     // attempts per healing session
	MaxCandidateTries int     // candidate fallbacks within one attempt

	// Collaborators
	RedisURL    string // empty = in-memory artifact store
	ArchivePath string // sqlite file for session archive, empty = in-memory db
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Environment:       getEnv("ENVIRONMENT", "development"),
		MaxParallelTasks:  getEnvInt("MAX_PARALLEL_TASKS", 4),
		TaskMaxRetries:    getEnvInt("TASK_MAX_RETRIES", 3),
		RetryBaseDelay:    getEnvDuration("RETRY_BASE_DELAY", 250*time.Millisecond),
		AgentTimeout:      getEnvDuration("AGENT_TIMEOUT", 2*time.Minute),
		AgentRateLimit:    getEnvFloat("AGENT_RATE_LIMIT", 10),
		AgentRateBurst:    getEnvInt("AGENT_RATE_BURST", 4),
		HealthyThreshold:  getEnvFloat("HEALTHY_THRESHOLD", 0.8),
		MinConfidence:     getEnvFloat("MIN_CONFIDENCE", 0.5),
		MaxAttempts:       getEnvInt("MAX_HEAL_ATTEMPTS", 3),
		MaxCandidateTries: getEnvInt("MAX_CANDIDATE_TRIES", 2),
		RedisURL:          os.Getenv("REDIS_URL"),
		ArchivePath:       getEnv("ARCHIVE_PATH", "forgemend.db"),
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
