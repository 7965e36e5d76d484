package devicetransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	ledger_go "github.com/zondax/ledger-go"

	"github.com/aegis-sign/ledger-bridge/internal/device/adaapp"
	"github.com/aegis-sign/ledger-bridge/pkg/ledgererr"
)

// openHID 打开 USB HID 上的第 hidIndex 台 Ledger。
func (f *Factory) openHID(ctx context.Context) (adaapp.Transport, error) {
	type openResult struct {
		device ledger_go.LedgerDevice
		err    error
	}
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	defer cancel()
	resultCh := make(chan openResult, 1)
	go func() {
		device, err := f.admin.Connect(f.hidIndex)
		resultCh <- openResult{device: device, err: err}
	}()
	select {
	case <-dialCtx.Done():
		go func() {
			if res := <-resultCh; res.device != nil {
				_ = res.device.Close()
			}
		}()
		return nil, dialCtx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return &HIDConn{device: res.device, timeout: f.cfg.ExchangeTimeout, metrics: f.metrics}, nil
	}
}

// HIDConn 把 zondax LedgerDevice 适配为 adaapp.Transport。
type HIDConn struct {
	device  ledger_go.LedgerDevice
	timeout time.Duration
	metrics *Metrics

	mu     sync.Mutex
	closed bool
}

// Exchange 发送 APDU 并返回 data||sw。
// LedgerDevice 会剥离状态字并把非 0x9000 转为错误，这里按错误文本还原状态字。
func (c *HIDConn) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	if len(apdu) > maxAPDUSize {
		return nil, fmt.Errorf("apdu too long: %d bytes", len(apdu))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrTransportClosed
	}

	type exchangeResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan exchangeResult, 1)
	start := time.Now()
	go func() {
		data, err := c.device.Exchange(apdu)
		resultCh <- exchangeResult{data: data, err: err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		c.metrics.observeExchange(time.Since(start))
		return withStatusWord(res.data, res.err)
	case <-timer.C:
		// HID 读无法中断，放弃该设备句柄。
		c.abandon()
		return nil, ledgererr.NewTransportTimeout(context.DeadlineExceeded)
	case <-ctx.Done():
		c.abandon()
		return nil, ctx.Err()
	}
}

func (c *HIDConn) abandon() {
	c.closed = true
	_ = c.device.Close()
}

// Close 释放设备句柄，可重复调用。
func (c *HIDConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.device.Close()
}

func withStatusWord(data []byte, err error) ([]byte, error) {
	sw := adaapp.StatusOK
	if err != nil {
		code, ok := statusFromMessage(err.Error())
		if !ok {
			return nil, fmt.Errorf("apdu exchange: %w", err)
		}
		sw = code
	}
	out := make([]byte, len(data), len(data)+2)
	copy(out, data)
	return binary.BigEndian.AppendUint16(out, sw), nil
}

// statusFromMessage 反查 ledger_go.ErrorMessage 生成的错误文本。
// 多个状态字共用同一文本时改为从文本中提取四位十六进制状态字。
func statusFromMessage(msg string) (uint16, bool) {
	if msg == "" {
		return 0, false
	}
	var found []uint16
	for sw := uint16(0x6000); sw < 0x7000; sw++ {
		if ledger_go.ErrorMessage(sw) == msg {
			found = append(found, sw)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	m := statusHexPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

var statusHexPattern = regexp.MustCompile(`(?i)(?:0x|\b)(6[0-9a-f]{3})\b`)
