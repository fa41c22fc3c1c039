// Package config handles nexus-chat configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/nexus-chat/config.yaml, /etc/nexus-chat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nexus-chat", "config.yaml"))
	}

	paths = append(paths, "/etc/nexus-chat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all nexus-chat configuration.
type Config struct {
	Listen   ListenConfig `yaml:"listen"`
	Ollama   OllamaConfig `yaml:"ollama"`
	Chat     ChatConfig   `yaml:"chat"`
	Stream   StreamConfig `yaml:"stream"`
	DataDir  string       `yaml:"data_dir"`
	LogLevel string       `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines the inference server connection.
type OllamaConfig struct {
	URL string `yaml:"url"` // Default: http://localhost:11434
	// RequestTimeoutSec bounds a whole generation, time-to-first-token
	// included. Zero means no timeout (large models can be slow).
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// ChatConfig defines chat session defaults.
type ChatConfig struct {
	DefaultModel string `yaml:"default_model"`
	SystemPrompt string `yaml:"system_prompt"`
}

// StreamConfig tunes fragment delivery to consumers. Fragments are
// buffered until either the size or the interval threshold is hit, so
// UI updates stay bounded regardless of raw chunk granularity.
type StreamConfig struct {
	BufferSize      int `yaml:"buffer_size"`       // characters, default 10
	FlushIntervalMS int `yaml:"flush_interval_ms"` // default 50
}

// RequestTimeout returns the per-generation timeout as a duration.
func (c OllamaConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// FlushInterval returns the aggregator flush interval as a duration.
func (c StreamConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8090},
		Ollama: OllamaConfig{
			URL: "http://localhost:11434",
		},
		Chat: ChatConfig{
			DefaultModel: "mistral",
		},
		Stream: StreamConfig{
			BufferSize:      10,
			FlushIntervalMS: 50,
		},
		DataDir: ".",
	}
}
