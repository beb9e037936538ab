// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"os"
	"strconv"
)

// Config carries the process-level settings for the core service.
// Component-specific knobs (routing strategy, timeouts, encryption
// backend) are loaded by their own packages.
type Config struct {
	// Port the HTTP server listens on.
	Port string
	// DatabaseURL enables the Postgres stores when non-empty; otherwise
	// the in-memory stores are used.
	DatabaseURL string
	// RedisAddr enables the Redis event broadcaster when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// AWSRegion enables the Bedrock provider and the KMS backend.
	AWSRegion string
}

// LoadConfigFromEnv reads the process configuration.
func LoadConfigFromEnv() Config {
	return Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		AWSRegion:     os.Getenv("AWS_REGION"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
