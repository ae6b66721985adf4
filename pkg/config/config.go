package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ExecRoot string `mapstructure:"exec_root"`
	LogLevel string `mapstructure:"log_level"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Local     LocalConfig     `mapstructure:"local"`
	DiskCache DiskCacheConfig `mapstructure:"disk_cache"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// DownloadOutputs selects how outputs of cache hits and remote executions
// are materialized.
type DownloadOutputs string

const (
	DownloadAll      DownloadOutputs = "all"
	DownloadMinimal  DownloadOutputs = "minimal"
	DownloadTopLevel DownloadOutputs = "toplevel"
)

type RemoteConfig struct {
	Cache        string `mapstructure:"cache"`    // grpc target of the CAS/AC
	Executor     string `mapstructure:"executor"` // grpc target of the Execution service, empty = cache only
	InstanceName string `mapstructure:"instance_name"`
	Compression  string `mapstructure:"compression"` // "zstd" or empty

	Timeout              time.Duration `mapstructure:"timeout"` // per-call deadline
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`

	MaxOutboundMessageSize int `mapstructure:"max_outbound_message_size"`
	MaxConcurrentUploads   int `mapstructure:"max_concurrent_uploads"`

	VerifyDownloads               bool            `mapstructure:"verify_downloads"`
	AcceptCached                  bool            `mapstructure:"accept_cached"`
	UploadLocalResults            bool            `mapstructure:"upload_local_results"`
	LocalFallback                 bool            `mapstructure:"local_fallback"`
	DownloadOutputs               DownloadOutputs `mapstructure:"download_outputs"`
	AllowSymlinkUpload            bool            `mapstructure:"allow_symlink_upload"`
	GuardAgainstConcurrentChanges bool            `mapstructure:"guard_against_concurrent_changes"`
	ServerLogsDir                 string          `mapstructure:"server_logs_dir"`
}

type LocalConfig struct {
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// SandboxConfig wraps local runs in linux-sandbox.
type SandboxConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	BinaryPath       string   `mapstructure:"binary_path"`
	NetworkIsolation bool     `mapstructure:"network_isolation"`
	WritablePaths    []string `mapstructure:"writable_paths"`
	KillDelay        int      `mapstructure:"kill_delay"` // seconds after timeout to SIGKILL
	Debug            bool     `mapstructure:"debug"`
}

type DiskCacheConfig struct {
	Dir              string `mapstructure:"dir"` // empty disables the disk tier
	MaxSizeGB        int    `mapstructure:"max_size_gb"`
	ForceUpdateATime bool   `mapstructure:"force_update_atime"`
}

type TelemetryConfig struct {
	MetricsAddr        string  `mapstructure:"metrics_addr"`
	TracingEndpoint    string  `mapstructure:"tracing_endpoint"`
	TracingSampleRatio float64 `mapstructure:"tracing_sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exec_root", ".")
	v.SetDefault("log_level", "warn")
	v.SetDefault("remote.timeout", 60*time.Second)
	v.SetDefault("remote.max_retries", 5)
	v.SetDefault("remote.retry_initial_interval", 100*time.Millisecond)
	v.SetDefault("remote.retry_max_interval", 5*time.Second)
	v.SetDefault("remote.max_outbound_message_size", 4*1024*1024)
	v.SetDefault("remote.max_concurrent_uploads", 100)
	v.SetDefault("remote.verify_downloads", true)
	v.SetDefault("remote.accept_cached", true)
	v.SetDefault("remote.upload_local_results", true)
	v.SetDefault("remote.local_fallback", false)
	v.SetDefault("remote.download_outputs", string(DownloadAll))
	v.SetDefault("remote.allow_symlink_upload", true)
	v.SetDefault("remote.guard_against_concurrent_changes", false)
	v.SetDefault("local.sandbox.enabled", false)
	v.SetDefault("local.sandbox.binary_path", "linux-sandbox")
	v.SetDefault("local.sandbox.writable_paths", []string{"/tmp"})
	v.SetDefault("local.sandbox.kill_delay", 5)
	v.SetDefault("disk_cache.max_size_gb", 10)
	v.SetDefault("disk_cache.force_update_atime", false)
	v.SetDefault("telemetry.tracing_sample_ratio", 1.0)
}

// Default returns the configuration with every default applied and no
// file or environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Env overrides
	v.SetEnvPrefix("GOREXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gorexec")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
