// Package config loads the judge engine's deployable configuration:
// the ambient stack (logging, database, cache, object storage, queue)
// plus the sandbox/task-store/dispatcher settings specific to grading.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/db"
	"fuzoj/internal/common/mq"
	"fuzoj/internal/common/storage"
	"fuzoj/pkg/utils/logger"
)

// SandboxConfig configures the Instance sandbox boundary.
type SandboxConfig struct {
	IsolatePath     string `yaml:"isolatePath"`
	TemporaryPath   string `yaml:"temporaryPath"`
	AlternativePath string `yaml:"alternativePath"`
	BasePath        string `yaml:"basePath"`
}

// TaskStoreConfig configures the TaskStore cache.
type TaskStoreConfig struct {
	LocalRoot   string        `yaml:"localRoot"`
	Bucket      string        `yaml:"bucket"`
	MaxEntries  int           `yaml:"maxEntries"`
	MaxBytes    int64         `yaml:"maxBytes"`
	TTL         time.Duration `yaml:"ttl"`
	LockTTL     time.Duration `yaml:"lockTTL"`
	WaitTimeout time.Duration `yaml:"waitTimeout"`
	PollEvery   time.Duration `yaml:"pollEvery"`
}

// DispatcherConfig configures the Dispatcher's fan-out behavior.
type DispatcherConfig struct {
	Topic           string `yaml:"topic"`
	MaxConcurrent   int    `yaml:"maxConcurrent"`
}

// HTTPConfig configures the diagnostic HTTP surface.
type HTTPConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// AppConfig composes the full configuration tree for the judge engine,
// mirroring the teacher's own AppConfig composition pattern.
type AppConfig struct {
	Logger     logger.Config     `yaml:"logger"`
	MySQL      db.MySQLConfig    `yaml:"mysql"`
	Redis      cache.RedisConfig `yaml:"redis"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	Kafka      mq.KafkaConfig    `yaml:"kafka"`
	Sandbox    SandboxConfig     `yaml:"sandbox"`
	TaskStore  TaskStoreConfig   `yaml:"taskStore"`
	Dispatcher DispatcherConfig  `yaml:"dispatcher"`
	HTTP       HTTPConfig        `yaml:"http"`
	Languages  []LanguageEntry   `yaml:"languages"`
	Messages   map[string]string `yaml:"messages"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// Load reads an AppConfig from path and applies the same
// environment-variable overrides the teacher's config wiring used for
// its sandbox/base-path settings (BASE_PATH, TEMPORARY_PATH,
// ISOLATE_PATH, ALTERNATIVE_PATH, DB_STRING), then fills in defaults.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("BASE_PATH"); v != "" {
		cfg.Sandbox.BasePath = v
	}
	if v := os.Getenv("TEMPORARY_PATH"); v != "" {
		cfg.Sandbox.TemporaryPath = v
	}
	if v := os.Getenv("ISOLATE_PATH"); v != "" {
		cfg.Sandbox.IsolatePath = v
	}
	if v := os.Getenv("ALTERNATIVE_PATH"); v != "" {
		cfg.Sandbox.AlternativePath = v
	}
	if v := os.Getenv("DB_STRING"); v != "" {
		cfg.MySQL.DSN = v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stdout"
	}
	if cfg.Logger.ErrorPath == "" {
		cfg.Logger.ErrorPath = "stderr"
	}
	if cfg.Logger.Service == "" {
		cfg.Logger.Service = "judge-engine"
	}

	if cfg.MySQL.MaxOpenConnections == 0 {
		cfg.MySQL.MaxOpenConnections = 25
	}
	if cfg.MySQL.MaxIdleConnections == 0 {
		cfg.MySQL.MaxIdleConnections = 5
	}
	if cfg.MySQL.ConnMaxLifetime == 0 {
		cfg.MySQL.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.MySQL.ConnMaxIdleTime == 0 {
		cfg.MySQL.ConnMaxIdleTime = 10 * time.Minute
	}

	applyRedisDefaults(&cfg.Redis)

	if cfg.TaskStore.MaxEntries == 0 {
		cfg.TaskStore.MaxEntries = 64
	}
	if cfg.TaskStore.MaxBytes == 0 {
		cfg.TaskStore.MaxBytes = 32 << 30
	}
	if cfg.TaskStore.TTL == 0 {
		cfg.TaskStore.TTL = 24 * time.Hour
	}
	if cfg.TaskStore.LockTTL == 0 {
		cfg.TaskStore.LockTTL = 30 * time.Second
	}
	if cfg.TaskStore.WaitTimeout == 0 {
		cfg.TaskStore.WaitTimeout = 60 * time.Second
	}
	if cfg.TaskStore.PollEvery == 0 {
		cfg.TaskStore.PollEvery = 500 * time.Millisecond
	}

	if cfg.Dispatcher.Topic == "" {
		cfg.Dispatcher.Topic = "submit"
	}
	if cfg.Dispatcher.MaxConcurrent == 0 {
		cfg.Dispatcher.MaxConcurrent = 8
	}

	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = ":8090"
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}
