// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// config.<env>.yaml is optional
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	return finalize(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finalize(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func finalize(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{".env", "../.env", "../../.env"}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			if expanded := os.ExpandEnv(strVal); expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Postgres.User == "" {
		cfg.Database.Postgres.User = os.Getenv("DB_USER")
	}
	if cfg.Database.Postgres.Password == "" {
		cfg.Database.Postgres.Password = os.Getenv("DB_PASSWORD")
	}
	if cfg.Database.Redis.Password == "" {
		cfg.Database.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if cfg.APIs.Rerank.APIKey == "" {
		cfg.APIs.Rerank.APIKey = os.Getenv("RERANK_API_KEY")
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "study-match"
	}

	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.ConnLifetime == 0 {
		cfg.Database.Postgres.ConnLifetime = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	r := &cfg.Database.Redis
	if r.PoolSize == 0 {
		r.PoolSize = 10
	}
	if r.MinIdleConns == 0 {
		r.MinIdleConns = 5
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = 5000
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = 3000
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = 3000
	}

	c := &cfg.Matching.Cache
	if c.KeyPrefix == "" {
		c.KeyPrefix = "match:"
	}
	if c.ScoreTTL == 0 {
		c.ScoreTTL = 7 * 24 * 60
	}
	if c.BatchTTL == 0 {
		c.BatchTTL = 2 * 60
	}
	if c.ProfileTTL == 0 {
		c.ProfileTTL = 60
	}
	if c.BufferTTL == 0 {
		c.BufferTTL = 2 * 60
	}
	if c.MarkerTTL == 0 {
		c.MarkerTTL = 30 * 24 * 60
	}
	if c.PipelineThreshold == 0 {
		c.PipelineThreshold = 5
	}

	b := &cfg.Matching.Buffer
	if b.BatchSize == 0 {
		b.BatchSize = 20
	}
	if b.RefillThreshold == 0 {
		b.RefillThreshold = 5
	}
	if b.PrefetchCooldown == 0 {
		b.PrefetchCooldown = 30000
	}
	if b.MaxBuffers == 0 {
		b.MaxBuffers = 1000
	}
	if b.RefillWorkers == 0 {
		b.RefillWorkers = 4
	}
	if b.QueueSize == 0 {
		b.QueueSize = 256
	}
	if b.RefillTimeout == 0 {
		b.RefillTimeout = 15000
	}

	d := &cfg.Matching.Discovery
	if d.CandidatePoolLimit == 0 {
		d.CandidatePoolLimit = 50
	}
	if d.DefaultPageSize == 0 {
		d.DefaultPageSize = 10
	}
	if d.MaxPageSize == 0 {
		d.MaxPageSize = 50
	}
	if d.MaxOutcomeBatch == 0 {
		d.MaxOutcomeBatch = 50
	}

	p := &cfg.Matching.Precompute
	if p.MaxConcurrentJobs == 0 {
		p.MaxConcurrentJobs = 3
	}
	if p.StalenessDays == 0 {
		p.StalenessDays = 1
	}
	if p.ActiveWithinDays == 0 {
		p.ActiveWithinDays = 30
	}
	if p.MaxActiveUsers == 0 {
		p.MaxActiveUsers = 10000
	}
	if p.UserBatchSize == 0 {
		p.UserBatchSize = 10
	}
	if p.InterBatchDelay == 0 {
		p.InterBatchDelay = 5000
	}
	if p.CandidatePoolLimit == 0 {
		p.CandidatePoolLimit = 2000
	}
	if p.SubBatchSize == 0 {
		p.SubBatchSize = 50
	}
	if p.SubBatchDelay == 0 {
		p.SubBatchDelay = 100
	}
	if p.NormalPriorityDelay == 0 {
		p.NormalPriorityDelay = 1000
	}
	if p.LowPriorityDelay == 0 {
		p.LowPriorityDelay = 5000
	}
	if p.JobRetention == 0 {
		p.JobRetention = 24 * 60
	}
	if p.SweepSchedule == "" {
		p.SweepSchedule = "@every 6h"
	}
	if p.CleanupSchedule == "" {
		p.CleanupSchedule = "@every 1h"
	}

	if cfg.Matching.Presence.OnlineTTL == 0 {
		cfg.Matching.Presence.OnlineTTL = 300
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if cfg.Workers == nil {
		cfg.Workers = map[string]WorkerConfig{}
	}
	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}

	if cfg.APIs.Rerank.Timeout == 0 {
		cfg.APIs.Rerank.Timeout = 5000
	}
	if cfg.APIs.Rerank.MaxRetries == 0 {
		cfg.APIs.Rerank.MaxRetries = 1
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Camunda.BrokerAddress == "" {
		return fmt.Errorf("camunda.broker_address is required")
	}
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}
	if cfg.Database.Redis.Address == "" && len(cfg.Database.Redis.ClusterAddresses) == 0 {
		return fmt.Errorf("database.redis.address is required")
	}
	if cfg.APIs.Rerank.Enabled && cfg.APIs.Rerank.BaseURL == "" {
		return fmt.Errorf("apis.rerank.base_url is required when re-ranking is enabled")
	}
	if cfg.Matching.Buffer.RefillThreshold >= cfg.Matching.Buffer.BatchSize {
		return fmt.Errorf("matching.buffer.refill_threshold must be below batch_size")
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// Minutes converts a minute count from config to time.Duration.
func Minutes(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

// GetWorkerConfig retrieves worker-specific configuration with fallback to defaults
func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}
	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

// IsWorkerEnabled checks if a specific worker is enabled
func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker.Enabled
	}
	return true
}
