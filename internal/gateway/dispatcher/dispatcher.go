package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegis-sign/ledger-bridge/internal/channel"
	"github.com/aegis-sign/ledger-bridge/internal/device/adaapp"
	"github.com/aegis-sign/ledger-bridge/internal/protocol"
	"github.com/aegis-sign/ledger-bridge/pkg/ledgererr"
	"github.com/aegis-sign/ledger-bridge/pkg/validator"
)

var (
	// ErrBusy 表示队列已满，或在 ctx 结束前没有等到设备。
	ErrBusy = ledgererr.New(ledgererr.CodeBusy, string(ledgererr.CodeBusy))
	// ErrRateLimited 表示命中速率限制。
	ErrRateLimited = ledgererr.New(ledgererr.CodeRateLimited, string(ledgererr.CodeRateLimited))
	// ErrClosed 表示 Dispatcher 已关闭。
	ErrClosed = errors.New("ledger bridge dispatcher closed")
)

// SessionFactory 为每次设备会话打开一个新的 APDU 通道。
type SessionFactory interface {
	Open(ctx context.Context) (adaapp.Transport, error)
}

// Dispatcher 在 remote 侧接收带标签的请求，串行执行设备会话并回复。
type Dispatcher struct {
	cfg      Config
	sessions SessionFactory

	queue   chan *job
	stopCh  chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	metrics *Metrics
	logger  *slog.Logger

	limiter atomic.Pointer[rate.Limiter]

	// deviceLock 是容量为 1 的信号量，任一时刻只有一个设备会话。
	deviceLock chan struct{}
	current    atomic.Value

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// job 是队列中的元素。
type job struct {
	req      protocol.Request
	ep       channel.Endpoint
	origin   string
	enqueued time.Time
}

// NewDispatcher 创建并启动设备 worker。
func NewDispatcher(cfg Config, sessions SessionFactory) (*Dispatcher, error) {
	if sessions == nil {
		return nil, errors.New("session factory is required")
	}
	normalized := cfg.normalize()
	baseCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      normalized,
		sessions: sessions,
		queue:    make(chan *job, normalized.MaxQueue),
		stopCh:   make(chan struct{}),
		baseCtx:  baseCtx,
		cancel:   cancel,
		metrics:  normalized.Metrics,
		logger:   normalized.Logger,

		deviceLock: make(chan struct{}, 1),
	}
	d.current.Store("")
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	if normalized.RateLimit > 0 {
		d.limiter.Store(rate.NewLimiter(rate.Limit(normalized.RateLimit), normalized.RateBurst))
	}
	d.wg.Add(1)
	go d.workerLoop()
	return d, nil
}

// Serve 读取 ep 上的全部消息直到 ctx 结束或 ep 关闭。
func (d *Dispatcher) Serve(ctx context.Context, ep channel.Endpoint) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return ErrClosed
		case <-ep.Done():
			return nil
		case msg, ok := <-ep.Messages():
			if !ok {
				return nil
			}
			d.handleMessage(ep, msg)
		}
	}
}

func (d *Dispatcher) handleMessage(ep channel.Endpoint, msg channel.Message) {
	var req protocol.Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		d.metrics.incIgnored("malformed")
		return
	}
	if req.Target != protocol.TargetName {
		d.metrics.incIgnored("target")
		return
	}
	if len(d.cfg.AllowedOrigins) > 0 && !slices.Contains(d.cfg.AllowedOrigins, msg.Origin) {
		d.metrics.incIgnored("origin")
		d.logger.Warn("request from disallowed origin", "origin", msg.Origin, "action", req.Action)
		return
	}
	if !req.Action.Known() {
		d.metrics.incIgnored("unknown_action")
		d.logger.Warn("unknown action, no reply sent", "action", req.Action, "origin", msg.Origin)
		return
	}

	j := &job{req: req, ep: ep, origin: msg.Origin, enqueued: time.Now()}
	if limiter := d.limiter.Load(); limiter != nil && !limiter.Allow() {
		d.metrics.incRequest(string(req.Action), "rate_limited")
		d.replyError(j, ErrRateLimited)
		return
	}
	select {
	case d.queue <- j:
		d.metrics.incQueueDepth()
		d.logger.Debug("request enqueued", "action", req.Action, "id", req.ID, "origin", msg.Origin)
	default:
		d.metrics.incRequest(string(req.Action), "busy")
		d.replyError(j, ErrBusy)
	}
}

// Close 停止 worker，取消正在执行的设备会话。
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.stopCh)
		d.cancel()
	})
	d.wg.Wait()
}

// UpdateRateLimit 热更新速率限制。
func (d *Dispatcher) UpdateRateLimit(rateValue float64) {
	if rateValue <= 0 {
		d.limiter.Store(nil)
		return
	}
	d.limiter.Store(rate.NewLimiter(rate.Limit(rateValue), d.cfg.RateBurst))
}

// ConnectedDeviceVersion 执行一次独立的设备会话读取版本，不发送任何回复。
func (d *Dispatcher) ConnectedDeviceVersion(ctx context.Context) (protocol.GetVersionResponse, error) {
	result, err := d.session(ctx, "connected-device-version", func(ctx context.Context, client *adaapp.Client) (any, error) {
		return client.GetVersion(ctx)
	})
	if err != nil {
		return protocol.GetVersionResponse{}, err
	}
	return result.(protocol.GetVersionResponse), nil
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case j := <-d.queue:
			d.metrics.decQueueDepth()
			d.handleJob(j)
		}
	}
}

func (d *Dispatcher) handleJob(j *job) {
	action := string(j.req.Action)
	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.SessionTimeout)
	defer cancel()

	start := time.Now()
	result, err := d.session(ctx, action, func(ctx context.Context, client *adaapp.Client) (any, error) {
		return invoke(ctx, client, j.req)
	})
	d.metrics.observeLatency(action, float64(time.Since(start).Milliseconds()))
	if err != nil {
		d.metrics.incRequest(action, "failure")
		d.logger.Info("device operation failed", "action", action, "id", j.req.ID, "err", err)
		d.replyError(j, err)
		return
	}
	d.metrics.incRequest(action, "success")
	payload, err := json.Marshal(result)
	if err != nil {
		d.replyError(j, err)
		return
	}
	d.post(j, protocol.Reply{Action: j.req.Action.ReplyTag(), ID: j.req.ID, Success: true, Payload: payload})
}

// session 持有设备锁打开一个通道，执行 fn 后无条件释放通道。
func (d *Dispatcher) session(ctx context.Context, label string, fn func(context.Context, *adaapp.Client) (any, error)) (result any, err error) {
	select {
	case d.deviceLock <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrBusy
	}
	defer func() { <-d.deviceLock }()
	d.current.Store(label)
	defer d.current.Store("")

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("device session panicked", "action", label, "panic", r)
			result, err = nil, fmt.Errorf("device session panic: %v", r)
		}
	}()

	transport, err := d.sessions.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := transport.Close(); closeErr != nil {
			d.logger.Warn("release device transport failed", "err", closeErr)
		}
	}()
	return fn(ctx, adaapp.New(transport, d.logger))
}

func invoke(ctx context.Context, client *adaapp.Client, req protocol.Request) (any, error) {
	switch req.Action {
	case protocol.ActionGetVersion:
		return client.GetVersion(ctx)
	case protocol.ActionGetExtendedPublicKey:
		params, err := decodeParams[protocol.PathParams](req.Params)
		if err != nil {
			return nil, err
		}
		return client.GetExtendedPublicKey(ctx, params.HDPath)
	case protocol.ActionDeriveAddress:
		params, err := decodeParams[protocol.PathParams](req.Params)
		if err != nil {
			return nil, err
		}
		return client.DeriveAddress(ctx, params.HDPath)
	case protocol.ActionShowAddress:
		params, err := decodeParams[protocol.PathParams](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, client.ShowAddress(ctx, params.HDPath)
	case protocol.ActionSignTransaction:
		params, err := decodeParams[protocol.SignTransactionParams](req.Params)
		if err != nil {
			return nil, err
		}
		return client.SignTransaction(ctx, params.Inputs, params.Outputs)
	}
	return nil, fmt.Errorf("unsupported action %q", req.Action)
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var params T
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, validator.FromDecodeError(err)
	}
	return params, nil
}

func (d *Dispatcher) replyError(j *job, err error) {
	payload, _ := json.Marshal(protocol.ErrorPayload{Error: ledgererr.ToMessage(err)})
	d.post(j, protocol.Reply{Action: j.req.Action.ReplyTag(), ID: j.req.ID, Success: false, Payload: payload})
}

func (d *Dispatcher) post(j *job, reply protocol.Reply) {
	target := j.origin
	if target == "" {
		target = protocol.Wildcard
	}
	if err := j.ep.PostMessage(reply, target); err != nil {
		d.logger.Warn("post reply failed", "action", reply.Action, "id", reply.ID, "err", err)
	}
}
