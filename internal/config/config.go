// Package config loads and holds all mockpod configuration.
// Settings are layered: defaults → mockpod.json → environment variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full mockpod configuration.
type Config struct {
	ProxyPort      int    `json:"proxyPort"`
	ManagementPort int    `json:"managementPort"`
	BindAddress    string `json:"bindAddress"`
	LogLevel       string `json:"logLevel"`

	// StorageDir is the per-user application-support directory under which
	// the root CA and rule-store files live (§6 "Certificate files on disk").
	StorageDir string `json:"storageDir"`

	// RuleStorePath is the JSON file the rulestore collaborator reads/writes
	// the active RuleSet to. Relative paths are resolved under StorageDir.
	RuleStorePath string `json:"ruleStorePath"`

	// RecordingDefault controls whether the recording subscriber starts
	// active at process launch.
	RecordingDefault bool `json:"recordingDefault"`

	ManagementToken string `json:"managementToken"`
	UpstreamProxy   string `json:"upstreamProxy"`
}

// Load returns config with defaults overridden by mockpod.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "mockpod.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ProxyPort:        8080,
		ManagementPort:   8081,
		BindAddress:      "0.0.0.0",
		LogLevel:         "info",
		StorageDir:       "Mockpod/Certificates",
		RuleStorePath:    "rules.json",
		RecordingDefault: false,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("RULE_STORE_PATH"); v != "" {
		cfg.RuleStorePath = v
	}
	if v := os.Getenv("RECORDING_DEFAULT"); v == "true" {
		cfg.RecordingDefault = true
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("UPSTREAM_PROXY"); v != "" {
		cfg.UpstreamProxy = v
	}
}
