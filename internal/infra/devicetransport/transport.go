package devicetransport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ledger_go "github.com/zondax/ledger-go"

	"github.com/aegis-sign/ledger-bridge/internal/device/adaapp"
	"github.com/aegis-sign/ledger-bridge/pkg/ledgererr"
)

var (
	// ErrDeviceUnavailable 表示熔断器处于打开状态，暂不拨号。
	ErrDeviceUnavailable = errors.New("ledger device unavailable")
	// ErrFactoryClosed 表示 Factory 已关闭。
	ErrFactoryClosed = errors.New("device transport factory closed")
	// ErrTransportClosed 表示会话已释放。
	ErrTransportClosed = errors.New("device transport closed")
)

const (
	maxAPDUSize     = 261
	maxResponseSize = 64 * 1024
)

// Factory 按需打开设备会话，每次 Open 对应一条独立连接。
type Factory struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *Metrics
	breaker *circuitBreaker

	// hid 端点下 admin 非空，按 hidIndex 打开 USB 设备而非拨号。
	admin    ledger_go.LedgerAdmin
	hidIndex int

	mu     sync.Mutex
	closed bool
}

// Option 允许自定义 Factory 行为。
type Option func(*Factory)

// WithDialer 自定义拨号器。
func WithDialer(d Dialer) Option {
	return func(f *Factory) { f.dialer = d }
}

// WithHIDAdmin 替换 hid 端点使用的设备枚举器。
func WithHIDAdmin(admin ledger_go.LedgerAdmin) Option {
	return func(f *Factory) { f.admin = admin }
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(f *Factory) { f.metrics = NewMetrics(reg) }
}

// NewFactory 根据配置创建 Factory。
func NewFactory(cfg Config, opts ...Option) (*Factory, error) {
	normalized := cfg.normalize()
	network, address, err := splitEndpoint(normalized.Endpoint)
	if err != nil {
		return nil, err
	}
	f := &Factory{
		cfg:     normalized,
		dialer:  dialEndpoint,
		logger:  slog.Default(),
		breaker: newCircuitBreaker(normalized.BreakerThreshold, normalized.BreakerCooldown),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.dialer == nil {
		f.dialer = dialEndpoint
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.metrics == nil {
		f.metrics = NewMetrics(nil)
	}
	if network == "hid" {
		f.hidIndex, _ = strconv.Atoi(address)
		if f.admin == nil {
			f.admin = ledger_go.NewLedgerAdmin()
		}
	} else {
		f.admin = nil
	}
	f.metrics.setBreaker(stateHealthy)
	return f, nil
}

// Config 返回当前配置副本。
func (f *Factory) Config() Config { return f.cfg }

// Open 拨号设备，失败按指数退避重试；拨号超时映射为 code 5 的传输错误。
func (f *Factory) Open(ctx context.Context) (adaapp.Transport, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrFactoryClosed
	}
	if !f.breaker.Allow() {
		f.metrics.incOpenFailure("breaker_open")
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, f.cfg.Endpoint)
	}

	start := time.Now()
	backoff := NewBackoff(f.cfg.Backoff)
	var lastErr error
	for attempt := 1; attempt <= f.cfg.DialAttempts; attempt++ {
		tr, err := f.connect(ctx)
		if err == nil {
			f.breaker.Success()
			f.metrics.setBreaker(f.breaker.State())
			f.metrics.observeOpen(time.Since(start))
			return tr, nil
		}
		lastErr = err
		f.logger.Warn("device dial failed", "endpoint", f.cfg.Endpoint, "attempt", attempt, "err", err)
		if ctx.Err() != nil || attempt == f.cfg.DialAttempts {
			break
		}
		if waitErr := backoff.Wait(ctx); waitErr != nil {
			lastErr = errors.Join(lastErr, waitErr)
			break
		}
	}

	if f.breaker.Failure() {
		f.logger.Error("device circuit breaker tripped", "endpoint", f.cfg.Endpoint, "cooldown", f.cfg.BreakerCooldown)
	}
	f.metrics.setBreaker(f.breaker.State())
	if isTimeout(lastErr) {
		f.metrics.incOpenFailure("timeout")
		return nil, ledgererr.NewTransportTimeout(lastErr)
	}
	f.metrics.incOpenFailure("dial")
	return nil, fmt.Errorf("open device %s: %w", f.cfg.Endpoint, lastErr)
}

func (f *Factory) connect(ctx context.Context) (adaapp.Transport, error) {
	if f.admin != nil {
		return f.openHID(ctx)
	}
	conn, err := f.dialOnce(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn, timeout: f.cfg.ExchangeTimeout, metrics: f.metrics}, nil
}

func (f *Factory) dialOnce(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	defer cancel()
	conn, err := f.dialer(dialCtx, f.cfg.Endpoint)
	if err != nil && dialCtx.Err() != nil && ctx.Err() == nil {
		return nil, errors.Join(err, dialCtx.Err())
	}
	return conn, err
}

// Close 拒绝后续 Open。
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.breaker.Drain()
	f.metrics.setBreaker(stateDraining)
	return nil
}

// Conn 是一条 Speculos 风格 APDU 连接，实现 adaapp.Transport。
type Conn struct {
	conn    net.Conn
	timeout time.Duration
	metrics *Metrics

	mu     sync.Mutex
	closed bool
}

// Exchange 发送 `len(4,BE) || apdu`，读取 `len(4,BE) || data || sw(2)`，返回 data||sw。
func (c *Conn) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	if len(apdu) > maxAPDUSize {
		return nil, fmt.Errorf("apdu too long: %d bytes", len(apdu))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrTransportClosed
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	resp, err := c.roundTrip(apdu)
	c.metrics.observeExchange(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Join(err, ctx.Err())
		}
		if isTimeout(err) {
			return nil, ledgererr.NewTransportTimeout(err)
		}
		return nil, fmt.Errorf("apdu exchange: %w", err)
	}
	return resp, nil
}

func (c *Conn) roundTrip(apdu []byte) ([]byte, error) {
	frame := make([]byte, 4, 4+len(apdu))
	binary.BigEndian.PutUint32(frame, uint32(len(apdu)))
	frame = append(frame, apdu...)
	if _, err := c.conn.Write(frame); err != nil {
		return nil, err
	}

	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxResponseSize {
		return nil, fmt.Errorf("device response too large: %d bytes", n)
	}
	resp := make([]byte, int(n)+2)
	if _, err := io.ReadFull(c.conn, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close 释放连接，可重复调用。
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
