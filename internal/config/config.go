// Package config holds all membria configuration. Settings load from a
// YAML file and are also addressable through flat dotted keys
// (e.g. "daemon.port", "memory.half_life_days") for tooling.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all membria configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Daemon       DaemonConfig       `yaml:"daemon"`
	Memory       MemoryConfig       `yaml:"memory"`
	Safety       SafetyConfig       `yaml:"safety"`
	Graph        GraphConfig        `yaml:"falkordb"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	MCPDiscovery MCPDiscoveryConfig `yaml:"mcp_discovery"`
	Engrams      EngramConfig       `yaml:"engrams"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Logging      LoggingConfig      `yaml:"logging"`

	// Ordered context plug-in names for the composer pipeline.
	ContextPlugins []string `yaml:"context_plugins"`
}

// DaemonConfig configures the long-running service.
type DaemonConfig struct {
	Port           int    `yaml:"port"`            // webhook server bind port
	Workspace      string `yaml:"workspace"`       // root for .membria state
	RequestTimeout string `yaml:"request_timeout"` // top-level tool call timeout
}

// MemoryConfig configures the memory-lifecycle policy.
type MemoryConfig struct {
	DefaultTTLDays  int    `yaml:"default_ttl_days"`
	HalfLifeDays    int    `yaml:"half_life_days"`
	AllowHardDelete bool   `yaml:"allow_hard_delete"`
	DatabasePath    string `yaml:"database_path"`
	QueuePath       string `yaml:"queue_path"`
}

// SafetyConfig configures the red-flag firewall.
type SafetyConfig struct {
	ResonanceThreshold float64 `yaml:"resonance_threshold"`
}

// GraphConfig carries external graph-backend connection settings. The
// embedded store ignores them but they are accepted and persisted so a
// deployment can point at a shared FalkorDB instead.
type GraphConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// EmbeddingConfig selects the embedding provider for KB ingestion.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama | genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// MCPDiscoveryConfig configures the external-tool proxy.
type MCPDiscoveryConfig struct {
	AllowlistPath string `yaml:"allowlist_path"`
	TimeoutSec    int    `yaml:"timeout_sec"`
	RefreshSec    int    `yaml:"refresh_sec"`
}

// EngramConfig configures the append-only engram file tree.
type EngramConfig struct {
	Branch string `yaml:"branch"`
	Dir    string `yaml:"dir"`
}

// WebhookConfig configures inbound event verification.
type WebhookConfig struct {
	Secret string `yaml:"secret"` // HMAC-SHA256 shared secret; empty skips verification
}

// LoggingConfig mirrors logging.Settings.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name:    "membria",
		Version: "1.0.0",
		Daemon: DaemonConfig{
			Port:           8377,
			Workspace:      ".",
			RequestTimeout: "30s",
		},
		Memory: MemoryConfig{
			DefaultTTLDays: 365,
			HalfLifeDays:   180,
			DatabasePath:   ".membria/graph.db",
			QueuePath:      ".membria/signals.db",
		},
		Safety: SafetyConfig{
			ResonanceThreshold: 0.4,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		MCPDiscovery: MCPDiscoveryConfig{
			TimeoutSec: 8,
			RefreshSec: 600,
		},
		Engrams: EngramConfig{
			Branch: "main",
			Dir:    ".membria/engrams",
		},
		Logging: LoggingConfig{Level: "info"},
		ContextPlugins: []string{
			"docshot", "session_context", "calibration", "negative_knowledge",
			"similar_decisions", "behavior_chains",
		},
	}
}

// Load reads configuration from path, layered over defaults. A missing
// file returns defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
