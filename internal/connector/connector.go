package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-sign/ledger-bridge/internal/channel"
	"github.com/aegis-sign/ledger-bridge/internal/protocol"
	"github.com/aegis-sign/ledger-bridge/pkg/hdpath"
	"github.com/aegis-sign/ledger-bridge/pkg/ledgererr"
)

var (
	// ErrUnsupportedConnectionType 表示连接方式不在 webauthn/u2f/webusb 之内。
	ErrUnsupportedConnectionType = errors.New("unsupported connection type")
	// ErrClosed 表示 Connector 已关闭或 remote context 已断开。
	ErrClosed = errors.New("ledger bridge connector closed")
	// ErrNoResponse 表示在超时时间内没有收到匹配的回复。
	ErrNoResponse = ledgererr.New(ledgererr.CodeNoResponse, string(ledgererr.CodeNoResponse))
)

// Connector 在 host 侧向 remote context 发送带标签的请求并等待对应回复。
type Connector struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	remote         RemoteContext
	ep             channel.Endpoint
	targetOrigin   string
	expectedOrigin string
	loaded         <-chan struct{}
	ready          atomic.Bool

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type pendingCall struct {
	action protocol.Action
	result chan callResult
}

type callResult struct {
	reply protocol.Reply
	err   error
}

// New 打开 remote context（frame 或窗口）并开始监听回复。
func New(ctx context.Context, cfg Config, opener Opener) (*Connector, error) {
	if !cfg.ConnectionType.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedConnectionType, cfg.ConnectionType)
	}
	if opener == nil {
		return nil, errors.New("opener is required")
	}
	normalized := cfg.normalize()
	url := protocol.ConnectionURL(normalized.BridgeURL, string(normalized.ConnectionType))

	var (
		remote RemoteContext
		err    error
	)
	targetOrigin := protocol.Wildcard
	if normalized.ConnectionType.UsesWindow() {
		remote, err = opener.OpenWindow(ctx, url)
		targetOrigin = normalized.BridgeURL
	} else {
		remote, err = opener.OpenFrame(ctx, FrameID, url)
	}
	if err != nil {
		return nil, fmt.Errorf("open remote context: %w", err)
	}

	c := &Connector{
		cfg:            normalized,
		logger:         normalized.Logger,
		metrics:        normalized.Metrics,
		remote:         remote,
		ep:             remote.Endpoint(),
		targetOrigin:   targetOrigin,
		expectedOrigin: protocol.OriginOf(normalized.BridgeURL),
		loaded:         remote.Loaded(),
		pending:        make(map[string]*pendingCall),
		done:           make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	c.watchLoaded()
	return c, nil
}

func (c *Connector) watchLoaded() {
	if c.loaded == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.loaded:
			c.ready.Store(true)
			c.logger.Debug("bridge is completely loaded", "mode", c.cfg.ConnectionType)
		case <-c.done:
		}
	}()
}

// Ready 报告 remote context 是否已加载完成。
func (c *Connector) Ready() bool { return c.ready.Load() }

// Pending 返回等待回复的请求数。
func (c *Connector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetVersion 查询设备 app 版本。
func (c *Connector) GetVersion(ctx context.Context) (protocol.GetVersionResponse, error) {
	var out protocol.GetVersionResponse
	err := c.call(ctx, protocol.ActionGetVersion, struct{}{}, &out)
	return out, err
}

// GetExtendedPublicKey 获取 path 对应的扩展公钥。
func (c *Connector) GetExtendedPublicKey(ctx context.Context, path hdpath.Path) (protocol.GetExtendedPublicKeyResponse, error) {
	var out protocol.GetExtendedPublicKeyResponse
	err := c.call(ctx, protocol.ActionGetExtendedPublicKey, protocol.PathParams{HDPath: path}, &out)
	return out, err
}

// DeriveAddress 派生 path 对应的地址。
func (c *Connector) DeriveAddress(ctx context.Context, path hdpath.Path) (protocol.DeriveAddressResponse, error) {
	var out protocol.DeriveAddressResponse
	err := c.call(ctx, protocol.ActionDeriveAddress, protocol.PathParams{HDPath: path}, &out)
	return out, err
}

// ShowAddress 在设备屏幕上展示 path 对应的地址。
func (c *Connector) ShowAddress(ctx context.Context, path hdpath.Path) error {
	return c.call(ctx, protocol.ActionShowAddress, protocol.PathParams{HDPath: path}, nil)
}

// SignTransaction 请求设备签名交易。
func (c *Connector) SignTransaction(ctx context.Context, inputs []protocol.InputTypeUTxO, outputs []protocol.TxOutput) (protocol.SignTransactionResponse, error) {
	var out protocol.SignTransactionResponse
	err := c.call(ctx, protocol.ActionSignTransaction, protocol.SignTransactionParams{Inputs: inputs, Outputs: outputs}, &out)
	return out, err
}

func (c *Connector) call(ctx context.Context, action protocol.Action, params any, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.observeCall(string(action), callResultLabel(err), float64(time.Since(start).Milliseconds()))
	}()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", action, err)
	}
	req := protocol.Request{
		Target: protocol.TargetName,
		Action: action,
		Params: rawParams,
		ID:     uuid.NewString(),
	}
	pc := &pendingCall{action: action, result: make(chan callResult, 1)}
	if err := c.register(req.ID, pc); err != nil {
		return err
	}
	defer c.unregister(req.ID)

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	if c.loaded != nil {
		select {
		case <-c.loaded:
		case <-timer.C:
			return ErrNoResponse
		case <-ctx.Done():
			return ctxError(ctx)
		case res := <-pc.result:
			return res.err
		}
	}

	if err := c.ep.PostMessage(req, c.targetOrigin); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("post %s: %w", action, err)
	}

	select {
	case res := <-pc.result:
		if res.err != nil {
			return res.err
		}
		return decodeReply(res.reply, out)
	case <-timer.C:
		c.logger.Warn("ledger bridge call timed out", "action", action, "id", req.ID, "timeout", c.cfg.CallTimeout)
		return ErrNoResponse
	case <-ctx.Done():
		return ctxError(ctx)
	}
}

func decodeReply(reply protocol.Reply, out any) error {
	if !reply.Success {
		var payload protocol.ErrorPayload
		if len(reply.Payload) > 0 {
			if err := json.Unmarshal(reply.Payload, &payload); err != nil {
				return ledgererr.FromMessage("")
			}
		}
		return ledgererr.FromMessage(payload.Error)
	}
	if out == nil || len(reply.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", reply.Action, err)
	}
	return nil
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrNoResponse, ctx.Err())
	}
	return ctx.Err()
}

func (c *Connector) register(id string, pc *pendingCall) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = pc
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.setPending(n)
	return nil
}

func (c *Connector) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.setPending(n)
}

func (c *Connector) readLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.ep.Done():
			c.logger.Warn("remote context closed")
			go c.Close()
			return
		case msg, ok := <-c.ep.Messages():
			if !ok {
				go c.Close()
				return
			}
			c.handleMessage(msg)
		}
	}
}

func (c *Connector) handleMessage(msg channel.Message) {
	if !originMatches(msg.Origin, c.expectedOrigin) {
		c.metrics.incIgnored("origin")
		return
	}
	var reply protocol.Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		c.metrics.incIgnored("malformed")
		return
	}
	action, ok := protocol.RequestActionOf(reply.Action)
	if !ok {
		c.metrics.incIgnored("not_reply")
		return
	}

	c.mu.Lock()
	pc, ok := c.pending[reply.ID]
	if ok && pc.action == action {
		delete(c.pending, reply.ID)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		c.metrics.incIgnored("unmatched")
		c.logger.Debug("drop unmatched reply", "action", reply.Action, "id", reply.ID)
		return
	}
	pc.result <- callResult{reply: reply}
}

// originMatches 按整串或 scheme://host 比较，通道只能给出后者。
func originMatches(got, expected string) bool {
	if got == expected {
		return true
	}
	gotOrigin, err := protocol.SchemeHostOrigin(got)
	if err != nil {
		return false
	}
	wantOrigin, err := protocol.SchemeHostOrigin(expected)
	if err != nil {
		return false
	}
	return gotOrigin == wantOrigin
}

// Close 移除 frame 或关闭窗口，并以 ErrClosed 结束所有未完成的请求。可重复调用。
func (c *Connector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[string]*pendingCall)
		c.mu.Unlock()
		c.metrics.setPending(0)

		close(c.done)
		err = c.remote.Close()
		for _, pc := range pending {
			pc.result <- callResult{err: ErrClosed}
		}
		c.wg.Wait()
	})
	return err
}

func callResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoResponse):
		return "no_response"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	if _, ok := ledgererr.FromError(err); ok {
		return "device_error"
	}
	return "error"
}
