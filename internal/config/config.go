package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/michaelbrown/coderun/internal/sandbox"
)

type PoolConfig struct {
	Size           int           `mapstructure:"size"`
	QueueTimeout   time.Duration `mapstructure:"queue_timeout"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff"`
}

type ExecutionConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	OutputPolicy   string        `mapstructure:"output_policy"`
	ScratchDir     string        `mapstructure:"scratch_dir"`
}

type LimitsConfig struct {
	CPUSeconds    int   `mapstructure:"cpu_seconds"`
	MemoryBytes   int64 `mapstructure:"memory_bytes"`
	FileSizeBytes int64 `mapstructure:"file_size_bytes"`
	OpenFiles     int   `mapstructure:"open_files"`
}

type LanguagesConfig struct {
	File    string   `mapstructure:"file"`
	Enabled []string `mapstructure:"enabled"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	CallerHeader    string        `mapstructure:"caller_header"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type StorageConfig struct {
	Driver string      `mapstructure:"driver"`
	DBPath string      `mapstructure:"db_path"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type WriterConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Languages LanguagesConfig `mapstructure:"languages"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Events    EventsConfig    `mapstructure:"events"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads configuration from path, or from coderun.yaml in the working
// directory or $HOME/.coderun when path is empty. A missing default config
// file is not an error. Variables from a .env file and CODERUN_* environment
// variables (pool.size -> CODERUN_POOL_SIZE) override file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coderun")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coderun")
	}

	setDefaults(v)

	v.SetEnvPrefix("CODERUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.size", runtime.NumCPU())
	v.SetDefault("pool.queue_timeout", "10s")
	v.SetDefault("pool.start_timeout", "10s")
	v.SetDefault("pool.restart_backoff", "100ms")

	v.SetDefault("execution.timeout", "5s")
	v.SetDefault("execution.max_timeout", "30s")
	v.SetDefault("execution.max_output_bytes", 64<<10)
	v.SetDefault("execution.kill_grace", "200ms")
	v.SetDefault("execution.output_policy", string(sandbox.OutputTruncate))
	v.SetDefault("execution.scratch_dir", "")

	v.SetDefault("limits.cpu_seconds", 10)
	v.SetDefault("limits.memory_bytes", int64(1<<30))
	v.SetDefault("limits.file_size_bytes", int64(16<<20))
	v.SetDefault("limits.open_files", 256)

	v.SetDefault("languages.file", "")
	v.SetDefault("languages.enabled", []string{})

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.caller_header", "X-Caller-ID")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".coderun", "coderun.db"))
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "coderun:")
	v.SetDefault("storage.redis.ttl", "0s")

	v.SetDefault("writer.buffer", 256)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "coderun.executions.completed")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.Size <= 0 {
		errs = append(errs, fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size))
	}
	if c.Pool.QueueTimeout <= 0 {
		errs = append(errs, errors.New("pool.queue_timeout must be positive"))
	}
	if c.Execution.Timeout <= 0 {
		errs = append(errs, errors.New("execution.timeout must be positive"))
	}
	if c.Execution.MaxTimeout < c.Execution.Timeout {
		errs = append(errs, errors.New("execution.max_timeout must not be below execution.timeout"))
	}
	if c.Execution.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("execution.max_output_bytes must be positive"))
	}
	if c.Execution.KillGrace < 0 {
		errs = append(errs, errors.New("execution.kill_grace must not be negative"))
	}
	if !sandbox.OutputPolicy(c.Execution.OutputPolicy).Valid() {
		errs = append(errs, fmt.Errorf("execution.output_policy must be truncate or kill, got %q", c.Execution.OutputPolicy))
	}
	switch c.Storage.Driver {
	case "sqlite", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite, redis or none, got %q", c.Storage.Driver))
	}
	if c.Writer.Buffer <= 0 {
		errs = append(errs, errors.New("writer.buffer must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SandboxLimits converts the limits section for the sandbox.
func (c *Config) SandboxLimits() sandbox.Limits {
	return sandbox.Limits{
		CPUSeconds:    c.Limits.CPUSeconds,
		MemoryBytes:   c.Limits.MemoryBytes,
		FileSizeBytes: c.Limits.FileSizeBytes,
		OpenFiles:     c.Limits.OpenFiles,
	}
}
