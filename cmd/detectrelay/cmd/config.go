package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/detectrelay/internal/cgroups"
)

// Config is the effective server configuration.
type Config struct {
	Listen          string        `mapstructure:"listen" yaml:"listen" json:"listen"`
	MetricsListen   string        `mapstructure:"metrics_listen" yaml:"metrics_listen" json:"metrics_listen"`
	PublicURL       string        `mapstructure:"public_url" yaml:"public_url" json:"public_url"`
	ClientOrigins   []string      `mapstructure:"client_origins" yaml:"client_origins" json:"client_origins"`
	ScratchDir      string        `mapstructure:"scratch_dir" yaml:"scratch_dir" json:"scratch_dir"`
	OutputDir       string        `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker" json:"worker"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session" json:"session"`
	Upload    UploadConfig    `mapstructure:"upload" yaml:"upload" json:"upload"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention" json:"retention"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit" json:"ratelimit"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" json:"log"`
	TLS       TLSConfig       `mapstructure:"tls" yaml:"tls" json:"tls"`
}

type WorkerConfig struct {
	Command string        `mapstructure:"command" yaml:"command" json:"command"`
	Program string        `mapstructure:"program" yaml:"program" json:"program"`
	Dir     string        `mapstructure:"dir" yaml:"dir" json:"dir"`
	Grace   time.Duration `mapstructure:"grace" yaml:"grace" json:"grace"`
	Nice    int           `mapstructure:"nice" yaml:"nice" json:"nice"`

	// CPUs and MemoryMax confine each worker in a cgroup v2 group under
	// CgroupRoot. Zero leaves the worker unconfined.
	CPUs       float64 `mapstructure:"cpus" yaml:"cpus" json:"cpus"`
	MemoryMax  int64   `mapstructure:"memory_max" yaml:"memory_max" json:"memory_max"`
	CgroupRoot string  `mapstructure:"cgroup_root" yaml:"cgroup_root" json:"cgroup_root"`
}

type SessionConfig struct {
	MaxSessions      int           `mapstructure:"max_sessions" yaml:"max_sessions" json:"max_sessions"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout"`
	MaxRuntime       time.Duration `mapstructure:"max_runtime" yaml:"max_runtime" json:"max_runtime"`
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout" yaml:"terminate_timeout" json:"terminate_timeout"`
	SampleInterval   time.Duration `mapstructure:"sample_interval" yaml:"sample_interval" json:"sample_interval"`
}

type UploadConfig struct {
	MaxFileBytes  int64 `mapstructure:"max_file_bytes" yaml:"max_file_bytes" json:"max_file_bytes"`
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes" json:"max_frame_bytes"`
}

type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	MaxAge   time.Duration `mapstructure:"max_age" yaml:"max_age" json:"max_age"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps" json:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst" json:"burst"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
}

// TLSConfig enables HTTPS and wss:// on the main listener when both files
// are set.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" yaml:"cert_file" json:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file" json:"key_file"`
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json" json:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir" json:"dir"`
}

// setDefaults registers every key so environment overrides and the config
// listing see the full key set.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("metrics_listen", ":9090")
	v.SetDefault("public_url", "")
	v.SetDefault("client_origins", []string{"http://localhost:3000"})
	v.SetDefault("scratch_dir", "tmp")
	v.SetDefault("output_dir", "videos")
	v.SetDefault("shutdown_timeout", "30s")

	v.SetDefault("worker.command", "python")
	v.SetDefault("worker.program", "main.py")
	v.SetDefault("worker.dir", ".")
	v.SetDefault("worker.grace", "10s")
	v.SetDefault("worker.nice", 0)
	v.SetDefault("worker.cpus", 0.0)
	v.SetDefault("worker.memory_max", 0)
	v.SetDefault("worker.cgroup_root", cgroups.DefaultRoot)

	v.SetDefault("session.max_sessions", 0)
	v.SetDefault("session.idle_timeout", "0s")
	v.SetDefault("session.max_runtime", "0s")
	v.SetDefault("session.terminate_timeout", "30s")
	v.SetDefault("session.sample_interval", "5s")

	v.SetDefault("upload.max_file_bytes", 0)
	v.SetDefault("upload.max_frame_bytes", 8<<20)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("retention.max_age", "24h")

	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 5)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.dir", "")

	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
}

// loadConfig decodes the merged flag, env, file and default settings.
func loadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Listen == "" {
		return nil, fmt.Errorf("listen address must not be empty")
	}
	if cfg.ScratchDir == "" || cfg.OutputDir == "" {
		return nil, fmt.Errorf("scratch_dir and output_dir must be set")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst < 1 {
		return nil, fmt.Errorf("ratelimit.burst must be at least 1 when ratelimit.rps is set")
	}
	return &cfg, nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Prints the configuration serve would run with, after merging defaults, the
config file and DETECTRELAY_* environment variables.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()

	if IsJSONOutput() {
		output, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(output))
		return nil
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return enc.Close()
}

// writeYAML is shared by commands that print structured output.
func writeYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return enc.Close()
}
