package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/aegis-sign/ledger-bridge/internal/protocol"
)

// ErrSiteNotFound 表示 frame src 没有对应的站点处理器。
var ErrSiteNotFound = errors.New("no site registered for frame source")

// ErrFrameExists 表示同 id 的 frame 已经存在。
var ErrFrameExists = errors.New("frame with the same id already exists")

// SiteHandler 在 frame 内运行远端代码，ep 为 frame 一侧的 endpoint。
type SiteHandler interface {
	ServeContext(ctx context.Context, query string, ep Endpoint) error
}

// SiteHandlerFunc 适配普通函数。
type SiteHandlerFunc func(ctx context.Context, query string, ep Endpoint) error

func (f SiteHandlerFunc) ServeContext(ctx context.Context, query string, ep Endpoint) error {
	return f(ctx, query, ep)
}

// Frame 是挂载在 Document 上的 embedded frame 句柄。
type Frame struct {
	ID  string
	Src string

	host   *PipeEnd
	cancel context.CancelFunc
	loaded chan struct{}
	exited chan struct{}
}

// Endpoint 返回 host 一侧的 endpoint（对应 frame.contentWindow）。
func (f *Frame) Endpoint() Endpoint { return f.host }

// Loaded 在 frame 内站点开始运行后关闭。
func (f *Frame) Loaded() <-chan struct{} { return f.loaded }

// Document 模拟 host 页面：按固定 id 挂载/移除 frame，frame 内容由注册的站点提供。
type Document struct {
	origin string
	logger *slog.Logger

	mu     sync.Mutex
	sites  map[string]SiteHandler
	frames map[string]*Frame
}

// NewDocument 创建 origin 为 origin 的文档。
func NewDocument(origin string, logger *slog.Logger) *Document {
	if logger == nil {
		logger = slog.Default()
	}
	return &Document{
		origin: origin,
		logger: logger,
		sites:  make(map[string]SiteHandler),
		frames: make(map[string]*Frame),
	}
}

// Origin 返回文档 origin。
func (d *Document) Origin() string { return d.origin }

// RegisterSite 将 baseURL（不含 query）映射到站点处理器。
func (d *Document) RegisterSite(baseURL string, handler SiteHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sites[baseURL] = handler
}

// AppendFrame 创建 frame 并加载 src 对应的站点。
func (d *Document) AppendFrame(ctx context.Context, id, src string) (*Frame, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse frame src: %w", err)
	}
	query := u.RawQuery
	u.RawQuery = ""
	u.Fragment = ""
	base := u.String()
	remoteOrigin, err := protocol.SchemeHostOrigin(base)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if _, ok := d.frames[id]; ok {
		d.mu.Unlock()
		return nil, ErrFrameExists
	}
	handler, ok := d.sites[base]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSiteNotFound, base)
	}
	hostEnd, remoteEnd := NewPipe(d.origin, remoteOrigin)
	frameCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	frame := &Frame{
		ID:     id,
		Src:    src,
		host:   hostEnd,
		cancel: cancel,
		loaded: make(chan struct{}),
		exited: make(chan struct{}),
	}
	d.frames[id] = frame
	d.mu.Unlock()

	go func() {
		defer close(frame.exited)
		close(frame.loaded)
		if err := handler.ServeContext(frameCtx, query, remoteEnd); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("frame site exited", "frame", id, "src", src, "err", err)
		}
	}()
	return frame, nil
}

// Frame 按 id 查找 frame。
func (d *Document) Frame(id string) (*Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.frames[id]
	return f, ok
}

// RemoveFrame 移除 frame 并停止其站点，不存在时返回 false。
func (d *Document) RemoveFrame(id string) bool {
	d.mu.Lock()
	frame, ok := d.frames[id]
	if ok {
		delete(d.frames, id)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	frame.cancel()
	_ = frame.host.Close()
	return true
}

// Exited 在 frame 内站点返回后关闭。
func (f *Frame) Exited() <-chan struct{} { return f.exited }
