// Package config loads and validates Agent Bus configuration from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the main configuration file expected in the config dir.
const ConfigFileName = "agentbus.yaml"

// Config is the fully resolved process configuration.
type Config struct {
	Workers      WorkersConfig      `yaml:"workers"`
	Worker       WorkerConfig       `yaml:"worker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Queue        QueueConfig        `yaml:"queue"`
	Events       EventsConfig       `yaml:"events"`
	HTTP         HTTPConfig         `yaml:"http"`
	LLM          LLMConfig          `yaml:"llm"`
	Storage      StorageConfig      `yaml:"storage"`
	Memory       MemoryConfig       `yaml:"memory"`
	Skills       SkillsConfig       `yaml:"skills"`
}

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Read agentbus.yaml from configDir (missing file → pure defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Unmarshal YAML
//  4. Merge user values over built-in defaults
//  5. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := Default()

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Warn("Config file not found, using built-in defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		var user Config
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"cpu_workers", cfg.Workers.CPU.Count,
		"gpu_workers", cfg.Workers.GPU.Count,
		"storage_driver", cfg.Storage.Driver,
		"bind_addr", cfg.HTTP.BindAddr)

	return cfg, nil
}

// Validate checks resolved configuration for inconsistencies that would
// break the process at runtime.
func (c *Config) Validate() error {
	if c.Workers.CPU.Count < 1 {
		return fmt.Errorf("workers.cpu.count must be >= 1, got %d", c.Workers.CPU.Count)
	}
	if c.Workers.GPU.Count < 0 {
		return fmt.Errorf("workers.gpu.count must be >= 0, got %d", c.Workers.GPU.Count)
	}
	if c.Worker.TaskTimeoutMS <= 0 {
		return fmt.Errorf("worker.task_timeout_ms must be positive, got %d", c.Worker.TaskTimeoutMS)
	}
	if c.Worker.LLMRetry.MaxAttempts < 1 {
		return fmt.Errorf("worker.llm_retry.max_attempts must be >= 1, got %d", c.Worker.LLMRetry.MaxAttempts)
	}
	if c.Orchestrator.StageRetry.MaxAttempts < 0 {
		return fmt.Errorf("orchestrator.stage_retry.max_attempts must be >= 0, got %d", c.Orchestrator.StageRetry.MaxAttempts)
	}
	if c.Queue.VisibilityTimeoutMS <= 0 {
		return fmt.Errorf("queue.visibility_timeout_ms must be positive, got %d", c.Queue.VisibilityTimeoutMS)
	}
	if c.Events.RingBuffer.PerJob <= 0 || c.Events.RingBuffer.Global <= 0 {
		return fmt.Errorf("events.ring_buffer sizes must be positive")
	}
	if c.Events.RingBuffer.SubscriberBuffer <= 0 {
		return fmt.Errorf("events.ring_buffer.subscriber_buffer must be positive")
	}
	if c.HTTP.BindAddr == "" {
		return fmt.Errorf("http.bind_addr must not be empty")
	}
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q",
			StorageDriverPostgres, StorageDriverMemory, c.Storage.Driver)
	}
	return nil
}
