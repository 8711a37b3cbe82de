// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package config handles gateway configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds the gateway configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Pool    PoolConfig    `json:"pool"`
	Webhook WebhookConfig `json:"webhook"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Mode       string    `json:"mode"`        // "debug" or "release"
	SocketPath string    `json:"socket_path"` // Unix socket path (empty to disable)
	AdminKey   string    `json:"admin_key"`   // Admin key for pool management (min 20 chars)
	TLS        TLSConfig `json:"tls"`         // TLS configuration (optional)
}

// TLSConfig holds TLS/HTTPS settings.
type TLSConfig struct {
	CertFile string `json:"cert_file"` // Path to TLS certificate file
	KeyFile  string `json:"key_file"`  // Path to TLS private key file
}

// PoolConfig holds default sector pool settings.
type PoolConfig struct {
	BasePath         string `json:"base_path"`          // Base directory for all pools
	NumSectors       uint32 `json:"num_sectors"`        // Default sector count
	SectorSize       uint32 `json:"sector_size"`        // Default sector size in bytes
	ErasePolicy      string `json:"erase_policy"`       // "deferred" or "erase-before-reuse"
	EraseBatch       int    `json:"erase_batch"`        // Sectors wiped per drain cycle
	FailSafe         bool   `json:"fail_safe"`          // Refuse allocations for corrupted owners
	ValidateOnMutate bool   `json:"validate_on_mutate"` // Scoped validation before every mutation
}

// WebhookConfig holds the optional corruption finding webhook.
// Findings are POSTed as JSON to the URL; an empty URL disables it.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       21090,
			Mode:       "release",
			SocketPath: "/var/run/mm2/mm2.sock",
		},
		Pool: PoolConfig{
			BasePath:    "./data",
			NumSectors:  4096,
			SectorSize:  4096,
			ErasePolicy: "deferred",
			EraseBatch:  32,
		},
	}
}

// Load loads configuration from a JSON file.
// If the file doesn't exist, returns default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// LoadFromEnv overrides config values from environment variables.
func (c *Config) LoadFromEnv() {
	if host := os.Getenv("MM2_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("MM2_PORT"); port != "" {
		var p int
		if _, err := parseEnvInt(port, &p); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if mode := os.Getenv("MM2_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if basePath := os.Getenv("MM2_DATA_PATH"); basePath != "" {
		c.Pool.BasePath = basePath
	}
	if socketPath := os.Getenv("MM2_SOCKET_PATH"); socketPath != "" {
		c.Server.SocketPath = socketPath
	}
	if adminKey := os.Getenv("MM2_ADMIN_KEY"); adminKey != "" {
		c.Server.AdminKey = adminKey
	}
	if tlsCert := os.Getenv("MM2_TLS_CERT"); tlsCert != "" {
		c.Server.TLS.CertFile = tlsCert
	}
	if tlsKey := os.Getenv("MM2_TLS_KEY"); tlsKey != "" {
		c.Server.TLS.KeyFile = tlsKey
	}
	if webhookURL := os.Getenv("MM2_WEBHOOK_URL"); webhookURL != "" {
		c.Webhook.URL = webhookURL
	}
}

// TLSEnabled returns true if TLS is configured with both cert and key files.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != ""
}

func parseEnvInt(s string, v *int) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	*v = n
	return n, nil
}
