package config

// Default returns the built-in configuration. User YAML values are merged
// on top of these.
func Default() *Config {
	return &Config{
		Workers: WorkersConfig{
			CPU: WorkerClassConfig{Count: 4},
			GPU: WorkerClassConfig{Count: 1},
		},
		Worker: WorkerConfig{
			TaskTimeoutMS: 600_000,
			LLMRetry: LLMRetryConfig{
				MaxAttempts:    5,
				InitialDelayMS: 1_000,
				MaxDelayMS:     60_000,
			},
		},
		Orchestrator: OrchestratorConfig{
			StageRetry: StageRetryConfig{MaxAttempts: 0},
		},
		Queue: QueueConfig{
			VisibilityTimeoutMS:       60_000,
			DequeueTimeoutMS:          30_000,
			OrphanScanIntervalMS:      60_000,
			OrphanThresholdMS:         300_000,
			GracefulShutdownTimeoutMS: 600_000,
		},
		Events: EventsConfig{
			RingBuffer: RingBufferConfig{
				PerJob:           1_000,
				Global:           10_000,
				SubscriberBuffer: 256,
			},
		},
		HTTP: HTTPConfig{
			BindAddr:       ":8080",
			HeartbeatMS:    15_000,
			WriteTimeoutMS: 30_000,
		},
		LLM: LLMConfig{
			BaseURL:         "http://localhost:11434/v1",
			Model:           "default",
			APIKeyEnv:       "LLM_API_KEY",
			TimeoutMS:       120_000,
			InputCostPer1K:  0,
			OutputCostPer1K: 0,
		},
		Storage: StorageConfig{
			Driver:       StorageDriverPostgres,
			Host:         "localhost",
			Port:         5432,
			User:         "agentbus",
			Database:     "agentbus",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Memory: MemoryConfig{Enabled: true},
		Skills: SkillsConfig{Dir: ""},
	}
}
