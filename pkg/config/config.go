package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the coordinator configuration
type Config struct {
	Environment      string
	LogLevel         string
	Port             string
	RedisAddr        string
	DatabasePath     string
	JWTSecret        string
	HeartbeatTTL     int
	RoundTimeout     int
	MinWorkers       int
	MaxWorkers       int
	RetryBudget      int
	GasCeiling       uint64
	AllowedImports   []string
	LocalSandbox     bool
	InitialMint      uint64
	FaucetAccount    string
	CORSAllowOrigins []string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		Environment:      getEnv("ENVIRONMENT", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Port:             getEnv("PORT", "8080"),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		DatabasePath:     getEnv("DATABASE_PATH", "bcai.db"),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		HeartbeatTTL:     getEnvAsInt("HEARTBEAT_TTL", 30),
		RoundTimeout:     getEnvAsInt("ROUND_TIMEOUT", 60),
		MinWorkers:       getEnvAsInt("MIN_WORKERS", 1),
		MaxWorkers:       getEnvAsInt("MAX_WORKERS", 50),
		RetryBudget:      getEnvAsInt("RETRY_BUDGET", 1),
		GasCeiling:       getEnvAsUint("GAS_CEILING", 1_000_000_000),
		AllowedImports:   []string{"tensor", "dataset", "optimizer", "metrics"},
		LocalSandbox:     getEnv("SANDBOX_MODE", "local") == "local",
		InitialMint:      getEnvAsUint("INITIAL_MINT", 0),
		FaucetAccount:    getEnv("FAUCET_ACCOUNT", ""),
		CORSAllowOrigins: []string{getEnv("CORS_ALLOW_ORIGIN", "*")},
	}

	// Validate required configuration
	if !config.LocalSandbox && config.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when SANDBOX_MODE is not local")
	}
	if config.MinWorkers < 1 {
		return nil, fmt.Errorf("MIN_WORKERS must be at least 1")
	}

	return config, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsUint retrieves an environment variable as a uint64 or returns a default value
func getEnvAsUint(key string, defaultValue uint64) uint64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
