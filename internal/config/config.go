package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by SCARVAULT_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("SCARVAULT_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// APIKey is the static key authorizing the upstream resolver and operator
// tooling. Empty disables auth (local development).
func APIKey() string {
	return os.Getenv("API_KEY")
}

// PartitionCapacity returns the per-partition mark ceiling.
// Defaults to 10000 if not set.
func PartitionCapacity() int {
	n, err := strconv.Atoi(os.Getenv("VAULT_CAPACITY"))
	if err != nil || n <= 0 {
		return 10000
	}
	return n
}

// InertCapacity returns the quarantine store ceiling.
// Defaults to 1000 if not set.
func InertCapacity() int {
	n, err := strconv.Atoi(os.Getenv("INERT_CAPACITY"))
	if err != nil || n <= 0 {
		return 1000
	}
	return n
}

// CycleInterval returns the logical-cycle tick interval.
// Defaults to 1s if not set.
func CycleInterval() time.Duration {
	ms, err := strconv.Atoi(os.Getenv("CYCLE_INTERVAL_MS"))
	if err != nil || ms <= 0 {
		return time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
