package config

import "time"

// Storage driver names.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// WorkersConfig sets the pool size per worker class.
type WorkersConfig struct {
	CPU WorkerClassConfig `yaml:"cpu"`
	GPU WorkerClassConfig `yaml:"gpu"`
}

// WorkerClassConfig configures one worker class.
type WorkerClassConfig struct {
	Count int `yaml:"count"`
}

// WorkerConfig controls per-task execution limits.
type WorkerConfig struct {
	// TaskTimeoutMS is the hard per-task deadline in milliseconds.
	TaskTimeoutMS int64 `yaml:"task_timeout_ms"`

	// LLMRetry bounds retries of transient LLM errors inside one task attempt.
	LLMRetry LLMRetryConfig `yaml:"llm_retry"`
}

// TaskTimeout returns the hard per-task deadline.
func (c WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMS) * time.Millisecond
}

// LLMRetryConfig is the exponential backoff policy for transient LLM errors.
type LLMRetryConfig struct {
	MaxAttempts    int   `yaml:"max_attempts"`
	InitialDelayMS int64 `yaml:"initial_delay_ms"`
	MaxDelayMS     int64 `yaml:"max_delay_ms"`
}

// InitialDelay returns the first backoff interval.
func (c LLMRetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff interval cap.
func (c LLMRetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// OrchestratorConfig controls stage-level policies.
type OrchestratorConfig struct {
	StageRetry StageRetryConfig `yaml:"stage_retry"`
}

// StageRetryConfig bounds whole-stage retries for retry-safe agents.
// MaxAttempts 0 disables stage retry entirely.
type StageRetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// QueueConfig controls task dispatch.
type QueueConfig struct {
	// VisibilityTimeoutMS is how long a dequeued reference stays hidden from
	// other workers before it becomes re-dequeuable.
	VisibilityTimeoutMS int64 `yaml:"visibility_timeout_ms"`

	// DequeueTimeoutMS is how long a worker blocks waiting for work before
	// re-checking its stop signal.
	DequeueTimeoutMS int64 `yaml:"dequeue_timeout_ms"`

	// OrphanScanIntervalMS is how often the pool scans for in_progress tasks
	// with stale heartbeats.
	OrphanScanIntervalMS int64 `yaml:"orphan_scan_interval_ms"`

	// OrphanThresholdMS is how long a task may go without a heartbeat before
	// it is considered orphaned and returned to the queue.
	OrphanThresholdMS int64 `yaml:"orphan_threshold_ms"`

	// GracefulShutdownTimeoutMS bounds the wait for in-flight tasks on stop.
	GracefulShutdownTimeoutMS int64 `yaml:"graceful_shutdown_timeout_ms"`
}

// VisibilityTimeout returns the queue visibility window.
func (c QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutMS) * time.Millisecond
}

// DequeueTimeout returns the blocking-dequeue wait.
func (c QueueConfig) DequeueTimeout() time.Duration {
	return time.Duration(c.DequeueTimeoutMS) * time.Millisecond
}

// OrphanScanInterval returns the orphan sweep cadence.
func (c QueueConfig) OrphanScanInterval() time.Duration {
	return time.Duration(c.OrphanScanIntervalMS) * time.Millisecond
}

// OrphanThreshold returns the stale-heartbeat threshold.
func (c QueueConfig) OrphanThreshold() time.Duration {
	return time.Duration(c.OrphanThresholdMS) * time.Millisecond
}

// GracefulShutdownTimeout returns the shutdown wait budget.
func (c QueueConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownTimeoutMS) * time.Millisecond
}

// EventsConfig sizes the event bus buffers.
type EventsConfig struct {
	RingBuffer RingBufferConfig `yaml:"ring_buffer"`
}

// RingBufferConfig sizes the replay rings and subscriber buffers.
type RingBufferConfig struct {
	PerJob           int `yaml:"per_job"`
	Global           int `yaml:"global"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	BindAddr       string   `yaml:"bind_addr"`
	HeartbeatMS    int64    `yaml:"heartbeat_ms"`
	WriteTimeoutMS int64    `yaml:"write_timeout_ms"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Heartbeat returns the SSE heartbeat interval.
func (c HTTPConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

// WriteTimeout returns the per-subscriber SSE write timeout.
func (c HTTPConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

// LLMConfig points at the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	TimeoutMS int64  `yaml:"timeout_ms"`

	// Cost per 1K tokens, used when the provider omits cost in responses.
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

// Timeout returns the per-request LLM timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// MemoryConfig configures the embedded vector memory store.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // empty = in-memory only
}

// SkillsConfig locates skill bundle definitions.
type SkillsConfig struct {
	Dir string `yaml:"dir"`
}
