package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Server   ServerConfig   `mapstructure:"server"`
	LogLevel string         `mapstructure:"log_level"`
}

type PathsConfig struct {
	Pipelines string `mapstructure:"pipelines"`
}

type RuntimeConfig struct {
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
	APIVersion     uint32 `mapstructure:"api_version"`
}

type ExecutorConfig struct {
	MaxConcurrentNodes int `mapstructure:"max_concurrent_nodes"`
	RequestTimeoutMS   int `mapstructure:"request_timeout_ms"`
}

// RequestTimeout returns the per-request budget; zero means no limit.
func (c ExecutorConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout"`  // seconds
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // seconds
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			Pipelines: "pipelines.yaml",
		},
		Runtime: RuntimeConfig{
			ORTLibraryPath: "",
			ORTVersion:     "",
			APIVersion:     23,
		},
		Executor: ExecutorConfig{
			MaxConcurrentNodes: 8,
			RequestTimeoutMS:   30000,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         4,
			MaxBodyBytes:    8 << 20,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-pipelines", defaults.Paths.Pipelines, "Path to the pipeline definition file")
	fs.String("pipelines", defaults.Paths.Pipelines, "Path to the pipeline definition file (alias for --paths-pipelines)")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.Uint32("runtime-api-version", defaults.Runtime.APIVersion, "ONNX Runtime C API version")
	fs.Int("executor-max-concurrent-nodes", defaults.Executor.MaxConcurrentNodes, "Max node executions running at once per pipeline")
	fs.Int("executor-request-timeout-ms", defaults.Executor.RequestTimeoutMS, "Per-request pipeline timeout in milliseconds (0 disables)")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Max concurrent HTTP inference requests")
	fs.Int("workers", defaults.Server.Workers, "Max concurrent HTTP inference requests (alias for --server-workers)")
	fs.Int64("server-max-body-bytes", defaults.Server.MaxBodyBytes, "Max accepted request body size")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "HTTP request timeout in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("PIPESERVE")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "PIPESERVE_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("pipeserve")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects settings the executor cannot run with.
func (c Config) Validate() error {
	if c.Executor.MaxConcurrentNodes < 1 {
		return fmt.Errorf("executor.max_concurrent_nodes must be >= 1, got %d", c.Executor.MaxConcurrentNodes)
	}
	if c.Executor.RequestTimeoutMS < 0 {
		return fmt.Errorf("executor.request_timeout_ms must be >= 0, got %d", c.Executor.RequestTimeoutMS)
	}
	if c.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be >= 1, got %d", c.Server.Workers)
	}
	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.pipelines", c.Paths.Pipelines)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("runtime.api_version", c.Runtime.APIVersion)
	v.SetDefault("executor.max_concurrent_nodes", c.Executor.MaxConcurrentNodes)
	v.SetDefault("executor.request_timeout_ms", c.Executor.RequestTimeoutMS)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys maps each config key to the flags that may set it. When several
// flags alias one key, the one given on the command line wins.
var flagKeys = []struct {
	key   string
	flags []string
}{
	{"paths.pipelines", []string{"paths-pipelines", "pipelines"}},
	{"runtime.ort_library_path", []string{"runtime-ort-library-path", "ort-lib"}},
	{"runtime.ort_version", []string{"runtime-ort-version"}},
	{"runtime.api_version", []string{"runtime-api-version"}},
	{"executor.max_concurrent_nodes", []string{"executor-max-concurrent-nodes"}},
	{"executor.request_timeout_ms", []string{"executor-request-timeout-ms"}},
	{"server.listen_addr", []string{"server-listen-addr"}},
	{"server.workers", []string{"server-workers", "workers"}},
	{"server.max_body_bytes", []string{"server-max-body-bytes"}},
	{"server.request_timeout", []string{"server-request-timeout"}},
	{"server.shutdown_timeout", []string{"server-shutdown-timeout"}},
	{"log_level", []string{"log-level"}},
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		var chosen *pflag.Flag
		for _, name := range fk.flags {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if chosen == nil || f.Changed {
				chosen = f
			}
		}
		if chosen == nil {
			continue
		}
		if err := v.BindPFlag(fk.key, chosen); err != nil {
			return fmt.Errorf("bind flag %q: %w", chosen.Name, err)
		}
	}
	return nil
}
