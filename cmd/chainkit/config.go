package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all chainkit configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string   `json:"db_path"`
	LogLevel         string   `json:"log_level"`
	MetricsAddr      string   `json:"metrics_addr"` // "" disables the /metrics endpoint
	PoolSize         int      `json:"pool_size"`    // parallel-mode worker cap
	Sandbox          bool     `json:"sandbox"`      // start with simulated execution
	SelectorStrategy string   `json:"selector_strategy"`
	TargetPolicies   []string `json:"target_policies"` // CEL expressions; any match authorizes a target
	HealthInterval   string   `json:"health_interval"`
	SchedulerEnabled bool     `json:"scheduler_enabled"`
	HTTPTimeout      string   `json:"http_timeout"` // default http.probe timeout
	Services         []ServiceEntry `json:"services"`
}

// ServiceEntry declares a monitored service with ordered fallbacks.
type ServiceEntry struct {
	Name      string   `json:"name"`
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
	MinDwell  string   `json:"min_dwell,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(chainkitDir(), "chainkit.db"),
		LogLevel:         "info",
		MetricsAddr:      ":9109",
		PoolSize:         4,
		SelectorStrategy: "rule_based",
		HealthInterval:   "30s",
		SchedulerEnabled: true,
		HTTPTimeout:      "30s",
	}
}

func chainkitDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainkit"
	}
	return filepath.Join(home, ".chainkit")
}

func settingsPath() string {
	return filepath.Join(chainkitDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CHAINKIT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CHAINKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAINKIT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CHAINKIT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CHAINKIT_SANDBOX"); v != "" {
		cfg.Sandbox = v == "true" || v == "1"
	}
	if v := os.Getenv("CHAINKIT_SELECTOR"); v != "" {
		cfg.SelectorStrategy = v
	}
	if v := os.Getenv("CHAINKIT_TARGET_POLICIES"); v != "" {
		cfg.TargetPolicies = splitPolicies(v)
	}
	if v := os.Getenv("CHAINKIT_HEALTH_INTERVAL"); v != "" {
		cfg.HealthInterval = v
	}
	if v := os.Getenv("CHAINKIT_SCHEDULER"); v != "" {
		cfg.SchedulerEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHAINKIT_HTTP_TIMEOUT"); v != "" {
		cfg.HTTPTimeout = v
	}

	return cfg
}

// splitPolicies splits a ;-separated policy list. CEL uses commas inside
// expressions, so a comma cannot be the separator.
func splitPolicies(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
