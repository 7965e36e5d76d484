package connector

import (
	"log/slog"
	"time"

	"github.com/aegis-sign/ledger-bridge/internal/protocol"
)

// DefaultBridgeURL 是未配置时使用的 remote context 地址。
const DefaultBridgeURL = "https://sarveshwar-singh.github.io/yoroi-extension-ledger-bridge-webauthn"

// DefaultCallTimeout 是单次调用等待回复的默认上限，需长于 dispatcher 的默认会话超时，
// 使设备侧超时以 LEDGER_TIMEOUT 回复送达，而不是在宿主侧先变成 NO_RESPONSE。
const DefaultCallTimeout = 150 * time.Second

// FrameID 是 embedded frame 的固定标识。
const FrameID = protocol.TargetName

// ConnectionType 是与 remote context 的连接方式。
type ConnectionType string

const (
	ConnectionWebAuthn ConnectionType = "webauthn"
	ConnectionU2F      ConnectionType = "u2f"
	ConnectionWebUSB   ConnectionType = "webusb"
)

// UsesWindow 判断该连接方式是否需要独立窗口。
func (c ConnectionType) UsesWindow() bool {
	return c == ConnectionWebAuthn
}

func (c ConnectionType) valid() bool {
	switch c {
	case ConnectionWebAuthn, ConnectionU2F, ConnectionWebUSB:
		return true
	}
	return false
}

// Config 控制 Connector 行为。
type Config struct {
	ConnectionType ConnectionType
	BridgeURL      string
	CallTimeout    time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
