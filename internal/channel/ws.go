package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aegis-sign/ledger-bridge/internal/protocol"
)

const (
	defaultReadLimit  = 1 << 20
	defaultWriteWait  = 10 * time.Second
	defaultWSInboxLen = 64
)

// WSEndpoint 基于 websocket 连接实现 Endpoint，用于独立窗口模式。
type WSEndpoint struct {
	conn       *websocket.Conn
	origin     string
	peerOrigin string
	logger     *slog.Logger

	writeMu   sync.Mutex
	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// DialWindow 以 localOrigin 身份连接 rawURL（http/https 会换成 ws/wss），相当于打开一个窗口。
func DialWindow(ctx context.Context, rawURL, localOrigin string, logger *slog.Logger) (*WSEndpoint, error) {
	peerOrigin, err := protocol.SchemeHostOrigin(rawURL)
	if err != nil {
		return nil, err
	}
	wsURL := toWebsocketURL(rawURL)
	header := http.Header{}
	if localOrigin != "" {
		header.Set("Origin", localOrigin)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("open window %s: %w", rawURL, err)
	}
	return newWSEndpoint(conn, localOrigin, peerOrigin, logger), nil
}

// Upgrade 将 HTTP 请求升级为 endpoint，对端 origin 取自请求 Origin 头。
func Upgrade(w http.ResponseWriter, r *http.Request, localOrigin string, checkOrigin func(*http.Request) bool, logger *slog.Logger) (*WSEndpoint, error) {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSEndpoint(conn, localOrigin, r.Header.Get("Origin"), logger), nil
}

func newWSEndpoint(conn *websocket.Conn, origin, peerOrigin string, logger *slog.Logger) *WSEndpoint {
	if logger == nil {
		logger = slog.Default()
	}
	conn.SetReadLimit(defaultReadLimit)
	ep := &WSEndpoint{
		conn:       conn,
		origin:     origin,
		peerOrigin: peerOrigin,
		logger:     logger,
		inbox:      make(chan Message, defaultWSInboxLen),
		done:       make(chan struct{}),
	}
	go ep.readLoop()
	return ep
}

func (e *WSEndpoint) readLoop() {
	defer e.Close()
	for {
		kind, data, err := e.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				select {
				case <-e.done:
				default:
					e.logger.Debug("websocket read ended", "peer", e.peerOrigin, "err", err)
				}
			}
			return
		}
		if kind != websocket.TextMessage || !json.Valid(data) {
			e.logger.Debug("drop non-json websocket frame", "peer", e.peerOrigin)
			continue
		}
		select {
		case e.inbox <- Message{Origin: e.peerOrigin, Data: data}:
		case <-e.done:
			return
		}
	}
}

// PostMessage 实现 Endpoint。
func (e *WSEndpoint) PostMessage(data any, targetOrigin string) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	if !targetMatches(targetOrigin, e.peerOrigin) {
		return ErrTargetOriginMismatch
	}
	raw, err := encode(data)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if err := e.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

func (e *WSEndpoint) Messages() <-chan Message { return e.inbox }
func (e *WSEndpoint) Origin() string           { return e.origin }
func (e *WSEndpoint) PeerOrigin() string       { return e.peerOrigin }
func (e *WSEndpoint) Done() <-chan struct{}    { return e.done }

// Close 发送 close 帧并关闭连接，可重复调用。
func (e *WSEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		e.writeMu.Lock()
		_ = e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		e.writeMu.Unlock()
		err = e.conn.Close()
	})
	return err
}

func toWebsocketURL(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		return "wss://" + strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		return "ws://" + strings.TrimPrefix(rawURL, "http://")
	default:
		return rawURL
	}
}
