package dispatcher

import (
	"log/slog"
	"time"
)

// DefaultSessionTimeout 是单次设备会话的默认上限，包括等待用户在设备上确认的时间。
const DefaultSessionTimeout = 2 * time.Minute

// Config 控制 Dispatcher 行为。
type Config struct {
	MaxQueue       int
	RateLimit      float64
	RateBurst      int
	SessionTimeout time.Duration
	// AllowedOrigins 非空时只处理来自这些 origin 的请求。
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *Metrics
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 32
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
