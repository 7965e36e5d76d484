package channel

import (
	"sync"
)

const defaultPipeBuffer = 64

// PipeEnd 是内存管道的一端，用于 embedded frame 与测试。
type PipeEnd struct {
	origin string
	peer   *PipeEnd
	inbox  chan Message

	done      chan struct{}
	closeOnce *sync.Once
}

// NewPipe 创建一对互联的 endpoint，两端共享关闭状态。
func NewPipe(originA, originB string) (*PipeEnd, *PipeEnd) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{origin: originA, inbox: make(chan Message, defaultPipeBuffer), done: done, closeOnce: once}
	b := &PipeEnd{origin: originB, inbox: make(chan Message, defaultPipeBuffer), done: done, closeOnce: once}
	a.peer = b
	b.peer = a
	return a, b
}

// PostMessage 实现 Endpoint。
func (p *PipeEnd) PostMessage(data any, targetOrigin string) error {
	if !targetMatches(targetOrigin, p.peer.origin) {
		return ErrTargetOriginMismatch
	}
	raw, err := encode(data)
	if err != nil {
		return err
	}
	return p.peer.Deliver(Message{Origin: p.origin, Data: raw})
}

// Deliver 直接向本端投递一条消息，可模拟共享通道上其他 origin 的消息。
func (p *PipeEnd) Deliver(msg Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *PipeEnd) Messages() <-chan Message { return p.inbox }
func (p *PipeEnd) Origin() string           { return p.origin }
func (p *PipeEnd) PeerOrigin() string       { return p.peer.origin }
func (p *PipeEnd) Done() <-chan struct{}    { return p.done }

// Close 关闭两端。
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
