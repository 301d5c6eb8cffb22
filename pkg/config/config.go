// Package config loads and validates Aria configuration: the model catalog,
// cron job definitions, and environment-driven runtime settings.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aria-platform/aria/pkg/models"
)

// Config is the fully loaded and validated configuration.
type Config struct {
	Catalog  *ModelCatalog
	CronJobs []CronJobSpec
	Runtime  RuntimeConfig
}

// RuntimeConfig groups environment-driven settings.
type RuntimeConfig struct {
	APIKey          string
	LLMBaseURL      string
	LLMMasterKey    string
	MemoryPath      string
	Debug           bool
	Production      bool
	AutoMigrate     bool
	TracingEndpoint string

	// Session lifecycle knobs.
	GhostTTL           time.Duration
	GhostPruneInterval time.Duration
	ArchiveScanDays    int
	ArchiveScanEvery   time.Duration
	HeartbeatInterval  time.Duration

	// Gateway defaults.
	CompletionTimeout time.Duration
	StreamIdleTimeout time.Duration
}

// CronJobSpec is one declarative job definition from cron.yaml.
type CronJobSpec struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"`
	Skill    string         `yaml:"skill"`
	Action   string         `yaml:"action"`
	Model    string         `yaml:"model,omitempty"`
	Args     map[string]any `yaml:"args,omitempty"`
	Enabled  *bool          `yaml:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled field as true.
func (j CronJobSpec) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

type cronYAML struct {
	Jobs []CronJobSpec `yaml:"jobs"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	catalogPath := filepath.Join(configDir, "models.yaml")
	catalog, err := LoadModelCatalog(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading model catalog: %w", err)
	}

	cfg := &Config{
		Catalog: catalog,
		Runtime: loadRuntimeFromEnv(),
	}

	cronPath := filepath.Join(configDir, "cron.yaml")
	if data, err := os.ReadFile(cronPath); err == nil {
		var cy cronYAML
		if err := yaml.Unmarshal(data, &cy); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", cronPath, err)
		}
		cfg.CronJobs = cy.Jobs
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", cronPath, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("Configuration initialized",
		"models", len(catalog.Models),
		"cron_jobs", len(cfg.CronJobs),
		"debug", cfg.Runtime.Debug)

	return cfg, nil
}

func (c *Config) validate() error {
	// Fail-closed: a production deployment without an API key must not start.
	if c.Runtime.APIKey == "" && !c.Runtime.Debug {
		return fmt.Errorf("ARIA_API_KEY is required when debug mode is disabled")
	}
	if c.Runtime.APIKey == "" {
		slog.Warn("Running without API key authentication (debug mode)")
	}

	for _, j := range c.CronJobs {
		if j.Name == "" || j.Schedule == "" || j.Skill == "" || j.Action == "" {
			return fmt.Errorf("cron job %q: name, schedule, skill and action are required", j.Name)
		}
		if j.Model != "" {
			if _, ok := c.Catalog.Lookup(j.Model); !ok {
				return fmt.Errorf("cron job %q references unknown model %q", j.Name, j.Model)
			}
		}
	}
	return nil
}

func loadRuntimeFromEnv() RuntimeConfig {
	return RuntimeConfig{
		APIKey:          os.Getenv("ARIA_API_KEY"),
		LLMBaseURL:      getEnvOrDefault("ARIA_LLM_BASE_URL", "http://localhost:4000"),
		LLMMasterKey:    os.Getenv("ARIA_LLM_MASTER_KEY"),
		MemoryPath:      getEnvOrDefault("ARIA_MEMORY_PATH", "./memory"),
		Debug:           envBool("ARIA_DEBUG", false),
		Production:      envBool("ARIA_PRODUCTION", false),
		AutoMigrate:     envBool("ARIA_AUTO_MIGRATE", true),
		TracingEndpoint: os.Getenv("ARIA_TRACING_ENDPOINT"),

		GhostTTL:           envDuration("ARIA_GHOST_TTL", 15*time.Minute),
		GhostPruneInterval: envDuration("ARIA_GHOST_PRUNE_INTERVAL", 10*time.Minute),
		ArchiveScanDays:    envInt("ARIA_ARCHIVE_AFTER_DAYS", 30),
		ArchiveScanEvery:   envDuration("ARIA_ARCHIVE_SCAN_INTERVAL", 6*time.Hour),
		HeartbeatInterval:  envDuration("ARIA_HEARTBEAT_INTERVAL", 60*time.Second),

		CompletionTimeout: envDuration("ARIA_COMPLETION_TIMEOUT", 120*time.Second),
		StreamIdleTimeout: envDuration("ARIA_STREAM_IDLE_TIMEOUT", 30*time.Second),
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("Invalid boolean env var, using default", "key", key, "value", val)
		return defaultVal
	}
	return b
}

func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("Invalid integer env var, using default", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("Invalid duration env var, using default", "key", key, "value", val)
		return defaultVal
	}
	return d
}

// Models returns the catalog entries in declaration order.
func (c *Config) Models() []models.Model {
	return c.Catalog.Models
}
