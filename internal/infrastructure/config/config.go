package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rlmgo/rlmgo/internal/domain/service"
)

// Config is the fully-resolved application configuration, assembled by
// layering defaults, the global ~/.rlmgo/config.yaml, a project-local
// config.yaml, and environment variables (highest priority wins).
type Config struct {
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Driver     DriverConfig     `mapstructure:"driver"`
	Providers  []ProviderConfig `mapstructure:"providers"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// GatewayConfig configures the outward-facing servers: gRPC completion
// service and the websocket iteration-event stream.
type GatewayConfig struct {
	Host         string `mapstructure:"host"`
	GRPCPort     int    `mapstructure:"grpc_port"`
	WebsocketPort int   `mapstructure:"websocket_port"`
}

// BrokerConfig configures the sandbox-side HTTP broker used by the remote
// execution environment, and the host-side poller/client that talks to it.
type BrokerConfig struct {
	URL            string        `mapstructure:"url"`             // host-side: broker base URL to call
	ListenAddr     string        `mapstructure:"listen_addr"`      // sandbox-side: address to bind when serving
	JobTimeout     time.Duration `mapstructure:"job_timeout"`      // how long /enqueue waits for /respond
	HealthInterval time.Duration `mapstructure:"health_interval"`  // host-side health-poller cadence
	PollInterval   time.Duration `mapstructure:"poll_interval"`    // host-side job-poller cadence (spec: 50-250ms)
	RequestTimeout time.Duration `mapstructure:"request_timeout"`  // host-side HTTP client timeout per call
}

// SandboxConfig configures the local persistent python3 REPL subprocess.
type SandboxConfig struct {
	PythonBin     string        `mapstructure:"python_bin"`
	WorkDir       string        `mapstructure:"work_dir"`
	TempDir       string        `mapstructure:"temp_dir"`
	Timeout       time.Duration `mapstructure:"timeout"`
	EnableNetwork bool          `mapstructure:"enable_network"`
	SetupCode     string        `mapstructure:"setup_code"` // run once after the session starts; failure is fatal
}

// DriverConfig mirrors service.DriverConfig so it can be loaded from YAML
// and hot-reloaded; ToService converts it into the type the driver embeds.
type DriverConfig struct {
	Model             string        `mapstructure:"model"`
	MaxIterations     int           `mapstructure:"max_iterations"`
	MaxDepth          int           `mapstructure:"max_depth"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseWait     time.Duration `mapstructure:"retry_base_wait"`
	HandlerCloseGrace time.Duration `mapstructure:"handler_close_grace"`
}

// ToService converts the loaded config into service.DriverConfig. Model and
// SystemPrompt are intentionally left for the caller: Model selection lives
// with the provider registry, and an empty SystemPrompt falls back to the
// driver's built-in default.
func (c DriverConfig) ToService() service.DriverConfig {
	return service.DriverConfig{
		MaxIterations:     c.MaxIterations,
		MaxDepth:          c.MaxDepth,
		MaxRetries:        c.MaxRetries,
		RetryBaseWait:     c.RetryBaseWait,
		HandlerCloseGrace: c.HandlerCloseGrace,
	}
}

// ProviderConfig configures one LM provider (matches llm.ProviderConfig's
// shape so it can be passed straight through after loading).
type ProviderConfig struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"` // openai | anthropic | mock
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// DatabaseConfig configures the trajectory sink.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load resolves the layered configuration: defaults, then
// ~/.rlmgo/config.yaml, then ./config.yaml (if present), then RLMGO_*
// environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := HomeDir()
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	if localPath := findLocalConfig(); localPath != "" {
		local := viper.New()
		local.SetConfigFile(localPath)
		if err := local.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(local.AllSettings()); err != nil {
				return nil, fmt.Errorf("merge local config %s: %w", localPath, err)
			}
		}
	}

	v.SetEnvPrefix("RLMGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func findLocalConfig() string {
	for _, dir := range []string{".", "./config"} {
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.grpc_port", 50051)
	v.SetDefault("gateway.websocket_port", 18790)

	v.SetDefault("broker.url", "http://localhost:8088")
	v.SetDefault("broker.listen_addr", "0.0.0.0:8088")
	v.SetDefault("broker.job_timeout", "2m")
	v.SetDefault("broker.health_interval", "10s")
	v.SetDefault("broker.poll_interval", "150ms")
	v.SetDefault("broker.request_timeout", "3m")

	v.SetDefault("sandbox.python_bin", "python3")
	v.SetDefault("sandbox.timeout", "2m")
	v.SetDefault("sandbox.enable_network", false)

	v.SetDefault("driver.max_iterations", 12)
	v.SetDefault("driver.max_depth", 4)
	v.SetDefault("driver.max_retries", 3)
	v.SetDefault("driver.retry_base_wait", "2s")
	v.SetDefault("driver.handler_close_grace", "5s")

	v.SetDefault("database.dsn", filepath.Join(HomeDir(), "trajectories.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}
