// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig               `mapstructure:"app"`
	Camunda  CamundaConfig           `mapstructure:"camunda"`
	Database DatabaseConfig          `mapstructure:"database"`
	Matching MatchingConfig          `mapstructure:"matching"`
	Workers  map[string]WorkerConfig `mapstructure:"workers"`
	APIs     APIsConfig              `mapstructure:"apis"`
	Logging  LoggingConfig           `mapstructure:"logging"`
	Server   ServerConfig            `mapstructure:"server"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	ConnLifetime   int    `mapstructure:"conn_lifetime"` // minutes
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig connects to a single node at Address, or to a cluster when
// ClusterAddresses is set.
type RedisConfig struct {
	Address          string   `mapstructure:"address"`
	ClusterAddresses []string `mapstructure:"cluster_addresses"`
	Password         string   `mapstructure:"password"`
	DB               int      `mapstructure:"db"`
	PoolSize         int      `mapstructure:"pool_size"`
	MinIdleConns     int      `mapstructure:"min_idle_conns"`
	DialTimeout      int      `mapstructure:"dial_timeout"`  // milliseconds
	ReadTimeout      int      `mapstructure:"read_timeout"`  // milliseconds
	WriteTimeout     int      `mapstructure:"write_timeout"` // milliseconds
}

// WorkerConfig holds the core settings applicable to every worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// --- Matching pipeline ---

// MatchingConfig groups the cache, buffer, discovery and precomputation knobs.
type MatchingConfig struct {
	Cache      CacheConfig      `mapstructure:"cache"`
	Buffer     BufferConfig     `mapstructure:"buffer"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Precompute PrecomputeConfig `mapstructure:"precompute"`
	Presence   PresenceConfig   `mapstructure:"presence"`
}

// CacheConfig TTLs are in minutes.
type CacheConfig struct {
	KeyPrefix         string `mapstructure:"key_prefix"`
	ScoreTTL          int    `mapstructure:"score_ttl"`
	BatchTTL          int    `mapstructure:"batch_ttl"`
	ProfileTTL        int    `mapstructure:"profile_ttl"`
	BufferTTL         int    `mapstructure:"buffer_ttl"`
	MarkerTTL         int    `mapstructure:"marker_ttl"`
	PipelineThreshold int    `mapstructure:"pipeline_threshold"`
}

type BufferConfig struct {
	BatchSize        int `mapstructure:"batch_size"`
	RefillThreshold  int `mapstructure:"refill_threshold"`
	PrefetchCooldown int `mapstructure:"prefetch_cooldown"` // milliseconds
	MaxBuffers       int `mapstructure:"max_buffers"`
	RefillWorkers    int `mapstructure:"refill_workers"`
	QueueSize        int `mapstructure:"queue_size"`
	RefillTimeout    int `mapstructure:"refill_timeout"` // milliseconds
}

type DiscoveryConfig struct {
	CandidatePoolLimit int `mapstructure:"candidate_pool_limit"`
	DefaultPageSize    int `mapstructure:"default_page_size"`
	MaxPageSize        int `mapstructure:"max_page_size"`
	MaxOutcomeBatch    int `mapstructure:"max_outcome_batch"`
}

type PrecomputeConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	MaxConcurrentJobs   int    `mapstructure:"max_concurrent_jobs"`
	StalenessDays       int    `mapstructure:"staleness_days"`
	ActiveWithinDays    int    `mapstructure:"active_within_days"`
	MaxActiveUsers      int    `mapstructure:"max_active_users"`
	UserBatchSize       int    `mapstructure:"user_batch_size"`
	InterBatchDelay     int    `mapstructure:"inter_batch_delay"` // milliseconds
	CandidatePoolLimit  int    `mapstructure:"candidate_pool_limit"`
	SubBatchSize        int    `mapstructure:"sub_batch_size"`
	SubBatchDelay       int    `mapstructure:"sub_batch_delay"`       // milliseconds
	NormalPriorityDelay int    `mapstructure:"normal_priority_delay"` // milliseconds
	LowPriorityDelay    int    `mapstructure:"low_priority_delay"`    // milliseconds
	JobRetention        int    `mapstructure:"job_retention"`         // minutes
	SweepSchedule       string `mapstructure:"sweep_schedule"`
	CleanupSchedule     string `mapstructure:"cleanup_schedule"`
}

type PresenceConfig struct {
	OnlineTTL int `mapstructure:"online_ttl"` // seconds
}

// APIsConfig holds settings for external API integrations.
type APIsConfig struct {
	Rerank struct {
		Enabled    bool   `mapstructure:"enabled"`
		BaseURL    string `mapstructure:"base_url"`
		APIKey     string `mapstructure:"api_key"`
		Timeout    int    `mapstructure:"timeout"` // milliseconds
		MaxRetries int    `mapstructure:"max_retries"`
	} `mapstructure:"rerank"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ServerConfig is the health/metrics listener.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}
