package devicetransport

import (
	"os"
	"strconv"
	"time"
)

// Config 控制设备连接的拨号、重试与熔断。
type Config struct {
	// Endpoint 支持 host:port、tcp://host:port、unix:/path、vsock:cid:port、hid:index。
	Endpoint         string
	DialTimeout      time.Duration
	ExchangeTimeout  time.Duration
	DialAttempts     int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Backoff          BackoffConfig
}

// BackoffConfig 决定拨号失败后的指数退避参数。
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// DefaultConfig 返回连接本地 Speculos 模拟器的默认值。
func DefaultConfig() Config {
	return Config{
		Endpoint:         "127.0.0.1:9999",
		DialTimeout:      2 * time.Second,
		ExchangeTimeout:  60 * time.Second,
		DialAttempts:     3,
		BreakerThreshold: 5,
		BreakerCooldown:  10 * time.Second,
		Backoff: BackoffConfig{
			Initial: 50 * time.Millisecond,
			Max:     time.Second,
			Jitter:  0.2,
		},
	}
}

// LoadConfigFromEnv 在默认值上叠加 LEDGER_DEVICE_* 环境变量。
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	if endpoint := os.Getenv("LEDGER_DEVICE_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if d := readDuration("LEDGER_DEVICE_DIAL_TIMEOUT"); d > 0 {
		cfg.DialTimeout = d
	}
	if d := readDuration("LEDGER_DEVICE_EXCHANGE_TIMEOUT"); d > 0 {
		cfg.ExchangeTimeout = d
	}
	if v := readInt("LEDGER_DEVICE_DIAL_ATTEMPTS"); v > 0 {
		cfg.DialAttempts = v
	}
	if v := readInt("LEDGER_DEVICE_BREAKER_THRESHOLD"); v > 0 {
		cfg.BreakerThreshold = v
	}
	if d := readDuration("LEDGER_DEVICE_BREAKER_COOLDOWN"); d > 0 {
		cfg.BreakerCooldown = d
	}
	if d := readDuration("LEDGER_DEVICE_RETRY_INITIAL"); d > 0 {
		cfg.Backoff.Initial = d
	}
	if d := readDuration("LEDGER_DEVICE_RETRY_MAX"); d > 0 {
		cfg.Backoff.Max = d
	}
	if j := readFloat("LEDGER_DEVICE_RETRY_JITTER"); j >= 0 {
		cfg.Backoff.Jitter = j
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = cfg.Backoff.Initial
	}
	return cfg
}

func (c *Config) normalize() Config {
	cfg := *c
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = def.Backoff.Initial
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = cfg.Backoff.Initial
	}
	return cfg
}

func readInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v
}

func readDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func readFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}
