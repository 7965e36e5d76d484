package connector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aegis-sign/ledger-bridge/internal/channel"
)

// RemoteContext 是已打开的 frame 或窗口。
type RemoteContext interface {
	Endpoint() channel.Endpoint
	// Loaded 在远端页面加载完成后关闭，返回 nil 表示没有加载信号。
	Loaded() <-chan struct{}
	Close() error
}

// Opener 负责创建 remote context。
type Opener interface {
	OpenFrame(ctx context.Context, id, url string) (RemoteContext, error)
	OpenWindow(ctx context.Context, url string) (RemoteContext, error)
}

// ErrNoDocument 表示没有可挂载 frame 的文档。
var ErrNoDocument = errors.New("frame mode requires a document")

// BrowserOpener 用 channel.Document 承载 frame，用 websocket 模拟窗口。
type BrowserOpener struct {
	Document *channel.Document
	// Origin 是窗口模式下本端的 origin，为空时取 Document 的 origin。
	Origin string
	Logger *slog.Logger
}

// OpenFrame 实现 Opener。
func (o *BrowserOpener) OpenFrame(ctx context.Context, id, url string) (RemoteContext, error) {
	if o.Document == nil {
		return nil, ErrNoDocument
	}
	frame, err := o.Document.AppendFrame(ctx, id, url)
	if err != nil {
		return nil, err
	}
	return &frameContext{doc: o.Document, frame: frame}, nil
}

// OpenWindow 实现 Opener。
func (o *BrowserOpener) OpenWindow(ctx context.Context, url string) (RemoteContext, error) {
	origin := o.Origin
	if origin == "" && o.Document != nil {
		origin = o.Document.Origin()
	}
	ep, err := channel.DialWindow(ctx, url, origin, o.Logger)
	if err != nil {
		return nil, err
	}
	return &windowContext{ep: ep}, nil
}

type frameContext struct {
	doc   *channel.Document
	frame *channel.Frame
}

func (f *frameContext) Endpoint() channel.Endpoint { return f.frame.Endpoint() }
func (f *frameContext) Loaded() <-chan struct{}    { return f.frame.Loaded() }

func (f *frameContext) Close() error {
	f.doc.RemoveFrame(f.frame.ID)
	return nil
}

type windowContext struct {
	ep *channel.WSEndpoint
}

func (w *windowContext) Endpoint() channel.Endpoint { return w.ep }

// Loaded 握手完成即视为加载完成。
func (w *windowContext) Loaded() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (w *windowContext) Close() error { return w.ep.Close() }
