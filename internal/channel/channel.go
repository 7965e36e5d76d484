package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aegis-sign/ledger-bridge/internal/protocol"
)

var (
	// ErrClosed 表示 endpoint 已关闭。
	ErrClosed = errors.New("channel endpoint closed")
	// ErrTargetOriginMismatch 表示对端 origin 与 targetOrigin 不符，消息未投递。
	ErrTargetOriginMismatch = errors.New("target origin does not match peer origin")
)

// Message 是一条跨 context 消息，Origin 由通道按发送方填写，不可伪造。
type Message struct {
	Origin string
	Data   json.RawMessage
}

// Endpoint 是 postMessage 语义的一端。
type Endpoint interface {
	// PostMessage 将 data 编码为 JSON 投递给对端；targetOrigin 为 "*" 或对端 origin。
	PostMessage(data any, targetOrigin string) error
	// Messages 返回入站消息，关闭后不再有新消息，读取方需同时监听 Done。
	Messages() <-chan Message
	// Origin 返回本端 origin。
	Origin() string
	// PeerOrigin 返回对端 origin。
	PeerOrigin() string
	Done() <-chan struct{}
	Close() error
}

func encode(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return append(json.RawMessage(nil), raw...), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return raw, nil
}

// targetMatches 按浏览器规则只比较 targetOrigin 的 scheme://host 部分。
func targetMatches(targetOrigin, peerOrigin string) bool {
	if targetOrigin == protocol.Wildcard {
		return true
	}
	if origin, err := protocol.SchemeHostOrigin(targetOrigin); err == nil {
		targetOrigin = origin
	}
	if origin, err := protocol.SchemeHostOrigin(peerOrigin); err == nil {
		peerOrigin = origin
	}
	return targetOrigin == peerOrigin
}
