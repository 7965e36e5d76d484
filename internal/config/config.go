// Package config 加载 bridge-server 配置：默认值、可选 YAML 文件，最后叠加环境变量。
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config 汇总 bridge-server 的全部配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Device     DeviceConfig     `yaml:"device"`
	Logging    LogConfig        `yaml:"logging"`
}

// ServerConfig 控制 HTTP/gRPC 监听与设备探活。
type ServerConfig struct {
	HTTPAddr       string        `yaml:"httpAddr" envconfig:"BRIDGE_HTTP_ADDR"`
	GRPCAddr       string        `yaml:"grpcAddr" envconfig:"BRIDGE_GRPC_ADDR"`
	AllowedOrigins []string      `yaml:"allowedOrigins" envconfig:"BRIDGE_ALLOWED_ORIGINS"`
	ProbeInterval  time.Duration `yaml:"probeInterval" envconfig:"BRIDGE_PROBE_INTERVAL"`
	ProbeTimeout   time.Duration `yaml:"probeTimeout" envconfig:"BRIDGE_PROBE_TIMEOUT"`
	RetryMin       time.Duration `yaml:"retryMin" envconfig:"BRIDGE_RETRY_MIN"`
	RetryMax       time.Duration `yaml:"retryMax" envconfig:"BRIDGE_RETRY_MAX"`
}

// DispatcherConfig 对应 dispatcher.Config 的可配置部分。
type DispatcherConfig struct {
	MaxQueue       int           `yaml:"maxQueue" envconfig:"BRIDGE_MAX_QUEUE"`
	RateLimit      float64       `yaml:"rateLimit" envconfig:"BRIDGE_RATE_LIMIT"`
	RateBurst      int           `yaml:"rateBurst" envconfig:"BRIDGE_RATE_BURST"`
	SessionTimeout time.Duration `yaml:"sessionTimeout" envconfig:"BRIDGE_SESSION_TIMEOUT"`
}

// DeviceConfig 对应 devicetransport.Config 的可配置部分，零值表示沿用默认值。
type DeviceConfig struct {
	Endpoint         string        `yaml:"endpoint" envconfig:"LEDGER_DEVICE_ENDPOINT"`
	DialTimeout      time.Duration `yaml:"dialTimeout" envconfig:"LEDGER_DEVICE_DIAL_TIMEOUT"`
	ExchangeTimeout  time.Duration `yaml:"exchangeTimeout" envconfig:"LEDGER_DEVICE_EXCHANGE_TIMEOUT"`
	DialAttempts     int           `yaml:"dialAttempts" envconfig:"LEDGER_DEVICE_DIAL_ATTEMPTS"`
	BreakerThreshold int           `yaml:"breakerThreshold" envconfig:"LEDGER_DEVICE_BREAKER_THRESHOLD"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown" envconfig:"LEDGER_DEVICE_BREAKER_COOLDOWN"`
}

// LogConfig 控制日志级别与格式（text 或 json）。
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"BRIDGE_LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"BRIDGE_LOG_FORMAT"`
}

// Default 返回默认配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:      ":8080",
			GRPCAddr:      ":9090",
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
			RetryMin:      time.Second,
			RetryMax:      3 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			MaxQueue:       32,
			RateBurst:      1,
			SessionTimeout: 2 * time.Minute,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 依次应用默认值、path 指向的 YAML 文件（为空时跳过）和环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查明显无效的取值。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		errs = append(errs, errors.New("server.httpAddr is required"))
	}
	if c.Dispatcher.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("dispatcher.maxQueue must be >= 0, got %d", c.Dispatcher.MaxQueue))
	}
	if c.Dispatcher.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("dispatcher.rateLimit must be >= 0, got %v", c.Dispatcher.RateLimit))
	}
	if c.Server.RetryMax > 0 && c.Server.RetryMax < c.Server.RetryMin {
		errs = append(errs, errors.New("server.retryMax must not be below server.retryMin"))
	}
	if _, err := c.Logging.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// NewLogger 按配置构造 slog.Logger。
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
