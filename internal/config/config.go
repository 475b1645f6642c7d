// Package config loads the proxy's environment configuration, following
// the teacher's os.Getenv-with-defaults style (cmd/ecs-controller/main.go,
// packages/infra/browser-container/main.go).
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the fully resolved environment configuration (§6).
type Config struct {
	ProxyPort              int
	ChromiumExecutablePath string
	ChromiumDirectory      string
	ChromiumStaticVersion  string
	LogLevel               string
	LogTags                []string
}

// Load reads the environment and validates required values. CDP_PROXY_PORT
// is required; everything else has a default or may be empty.
func Load() (*Config, error) {
	portStr := os.Getenv("CDP_PROXY_PORT")
	if portStr == "" {
		return nil, fmt.Errorf("CDP_PROXY_PORT environment variable is required")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("CDP_PROXY_PORT must be an integer: %w", err)
	}

	cfg := &Config{
		ProxyPort:              port,
		ChromiumExecutablePath: os.Getenv("CHROMIUM_EXECUTABLE_PATH"),
		ChromiumDirectory:      os.Getenv("CHROMIUM_DIRECTORY"),
		ChromiumStaticVersion:  os.Getenv("CHROMIUM_STATIC_VERSION"),
		LogLevel:               getEnv("PROXY_LOG_LEVEL", "info"),
		LogTags:                splitTags(os.Getenv("PROXY_LOG_TAGS")),
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				tags = append(tags, raw[start:i])
			}
			start = i + 1
		}
	}
	return tags
}
