package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"okxgate/internal/okx"
	"okxgate/internal/ratelimit"
)

type Config struct {
	OKXGate AppConfig     `yaml:"okxgate"`
	OKX     OKXConfig     `yaml:"okx"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type OKXConfig struct {
	Region         string        `yaml:"region"`
	UserAgent      string        `yaml:"user_agent"`
	LocalIP        string        `yaml:"local_ip"`
	Timeout        time.Duration `yaml:"timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BookDepth      int           `yaml:"book_depth"`
	Instruments    []string      `yaml:"instruments"`
	Channels       []string      `yaml:"channels"`
	APIKey         string        `yaml:"api_key"`
	SecretKey      string        `yaml:"secret_key"`
	Passphrase     string        `yaml:"passphrase"`
}

type MetricsConfig struct {
	PrometheusAddr string           `yaml:"prometheus_addr"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// envOverrides lists the environment variables that win over the file.
type envOverrides struct {
	Region             string `envconfig:"OKX_REGION"`
	APIKey             string `envconfig:"OKX_API_KEY"`
	SecretKey          string `envconfig:"OKX_SECRET_KEY"`
	Passphrase         string `envconfig:"OKX_PASSPHRASE"`
	AWSRegion          string `envconfig:"AWS_REGION"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
}

func defaults() Config {
	return Config{
		OKX: OKXConfig{
			Region:         string(okx.DefaultRegion),
			UserAgent:      "okxgate",
			Timeout:        10 * time.Second,
			AcquireTimeout: 5 * time.Second,
			PollInterval:   2 * time.Second,
			BookDepth:      5,
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.OKX.Region, env.Region)
	set(&cfg.OKX.APIKey, env.APIKey)
	set(&cfg.OKX.SecretKey, env.SecretKey)
	set(&cfg.OKX.Passphrase, env.Passphrase)
	if cfg.Metrics.CloudWatch.Enabled {
		set(&cfg.Metrics.CloudWatch.Region, env.AWSRegion)
		set(&cfg.Metrics.CloudWatch.AccessKeyID, env.AWSAccessKeyID)
		set(&cfg.Metrics.CloudWatch.SecretAccessKey, env.AWSSecretAccessKey)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.OKXGate.Name == "" {
		return fmt.Errorf("okxgate.name is required")
	}

	if cfg.OKXGate.Version == "" {
		return fmt.Errorf("okxgate.version is required")
	}

	if _, err := okx.ParseRegion(cfg.OKX.Region); err != nil {
		return fmt.Errorf("okx.region: %w", err)
	}

	if cfg.OKX.Timeout <= 0 {
		return fmt.Errorf("okx.timeout must be greater than 0")
	}
	if cfg.OKX.AcquireTimeout <= 0 {
		return fmt.Errorf("okx.acquire_timeout must be greater than 0")
	}
	if cfg.OKX.PollInterval <= 0 {
		return fmt.Errorf("okx.poll_interval must be greater than 0")
	}
	if cfg.OKX.BookDepth <= 0 {
		return fmt.Errorf("okx.book_depth must be greater than 0")
	}

	if cfg.OKX.LocalIP != "" && net.ParseIP(cfg.OKX.LocalIP) == nil {
		return fmt.Errorf("okx.local_ip '%s' is not an IP address", cfg.OKX.LocalIP)
	}

	for _, ch := range cfg.OKX.Channels {
		if !okx.IsChannel(ch) {
			return fmt.Errorf("okx.channels: %w: %q", ratelimit.ErrUnknownIdentifier, ch)
		}
		if okx.IsPrivateChannel(ch) && !cfg.OKX.HasCredentials() {
			return fmt.Errorf("okx.channels: %q requires api_key, secret_key and passphrase", ch)
		}
	}

	if cfg.Metrics.ReportInterval <= 0 {
		return fmt.Errorf("metrics.report_interval must be greater than 0")
	}

	return nil
}

// RegionKey returns the validated region.
func (c OKXConfig) RegionKey() (okx.Region, error) {
	return okx.ParseRegion(c.Region)
}

// HasCredentials reports whether private endpoints can be used.
func (c OKXConfig) HasCredentials() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.Passphrase != ""
}
