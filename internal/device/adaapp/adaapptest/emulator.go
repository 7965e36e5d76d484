// Package adaapptest 提供一个确定性的 Cardano 设备 app 模拟器，用于测试与本地开发。
package adaapptest

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegis-sign/ledger-bridge/internal/device/adaapp"
)

// 常用状态字。
const (
	SWOK       uint16 = 0x9000
	SWLocked   uint16 = 0x6801
	SWWrongApp uint16 = 0x6804
	SWBadINS   uint16 = 0x6D00
	SWBadP1P2  uint16 = 0x6B00
	SWBadData  uint16 = 0x6A80
	SWRejected uint16 = 0x6986
)

const claCardano = 0xD7

// Emulator 以设备语义响应 APDU，实现 adaapp.Transport。
type Emulator struct {
	Major, Minor, Patch byte
	Debug               bool

	// Status 非零时所有 APDU 都返回该状态字，例如 SWLocked。
	Status uint16

	// Delay 模拟每条 APDU 的处理时间。
	Delay time.Duration

	// Unplugged 为 true 时 Open 返回 ErrUnavailable。
	Unplugged bool

	mu       sync.Mutex
	apdus    [][]byte
	signing  *signState
	closed   atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

type signState struct {
	inputs, outputs uint32
	seenOut         uint32
	hasher          [32]byte
	confirmed       bool
	txDigest        [32]byte
}

// NewEmulator 返回版本为 2.0.4 的模拟器。
func NewEmulator() *Emulator {
	return &Emulator{Major: 2, Minor: 0, Patch: 4}
}

// Exchange 处理一条 APDU，返回 data 加状态字。
func (e *Emulator) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		seen := e.maxSeen.Load()
		if n <= seen || e.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Handle(apdu), nil
}

// Handle 同步处理 APDU，供 socket 模拟器复用。
func (e *Emulator) Handle(apdu []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apdus = append(e.apdus, append([]byte(nil), apdu...))

	if e.Status != 0 {
		return status(nil, e.Status)
	}
	if len(apdu) < 5 || int(apdu[4]) != len(apdu)-5 {
		return status(nil, SWBadData)
	}
	if apdu[0] != claCardano {
		return status(nil, SWWrongApp)
	}
	ins, p1, data := apdu[1], apdu[2], apdu[5:]
	switch ins {
	case 0x00:
		var flags byte
		if e.Debug {
			flags = 0x01
		}
		return status([]byte{e.Major, e.Minor, e.Patch, flags}, SWOK)
	case 0x10:
		path, ok := decodePath(data)
		if !ok {
			return status(nil, SWBadData)
		}
		pub := sha256.Sum256(append([]byte("pub"), path...))
		chain := sha256.Sum256(append([]byte("chain"), path...))
		return status(append(pub[:], chain[:]...), SWOK)
	case 0x11:
		path, ok := decodePath(data)
		if !ok {
			return status(nil, SWBadData)
		}
		switch p1 {
		case 0x01:
			return status(AddressBytes(path), SWOK)
		case 0x02:
			return status(nil, SWOK)
		}
		return status(nil, SWBadP1P2)
	case 0x20:
		return e.handleSign(p1, data)
	}
	return status(nil, SWBadINS)
}

func (e *Emulator) handleSign(p1 byte, data []byte) []byte {
	if p1 == 0x01 {
		if len(data) != 8 {
			return status(nil, SWBadData)
		}
		e.signing = &signState{
			inputs:  binary.BigEndian.Uint32(data[:4]),
			outputs: binary.BigEndian.Uint32(data[4:]),
		}
		return status(nil, SWOK)
	}
	st := e.signing
	if st == nil {
		return status(nil, SWBadP1P2)
	}
	switch p1 {
	case 0x02:
		st.absorb(data)
		return status(nil, SWOK)
	case 0x03:
		if st.seenOut >= st.outputs {
			return status(nil, SWBadData)
		}
		st.seenOut++
		st.absorb(data)
		return status(nil, SWOK)
	case 0x04:
		if st.seenOut != st.outputs {
			return status(nil, SWBadP1P2)
		}
		st.confirmed = true
		st.txDigest = st.hasher
		return status(st.hasher[:], SWOK)
	case 0x05:
		path, ok := decodePath(data)
		if !ok || !st.confirmed {
			return status(nil, SWBadP1P2)
		}
		sig := sha512.Sum512(append(st.txDigest[:], path...))
		return status(sig[:], SWOK)
	}
	return status(nil, SWBadP1P2)
}

func (s *signState) absorb(data []byte) {
	s.hasher = sha256.Sum256(append(s.hasher[:], data...))
}

// APDUs 返回收到的全部 APDU 副本。
func (e *Emulator) APDUs() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.apdus))
	copy(out, e.apdus)
	return out
}

// MaxConcurrent 返回观察到的最大并发 Exchange 数。
func (e *Emulator) MaxConcurrent() int { return int(e.maxSeen.Load()) }

// Closed 返回 Close 被调用的次数。
func (e *Emulator) Closed() int { return int(e.closed.Load()) }

// Close 实现 adaapp.Transport。
func (e *Emulator) Close() error {
	e.closed.Add(1)
	return nil
}

// AddressBytes 返回模拟器为路径编码派生的原始地址字节。
func AddressBytes(encodedPath []byte) []byte {
	sum := sha256.Sum256(append([]byte("addr"), encodedPath...))
	return append([]byte{0x82}, sum[:28]...)
}

func decodePath(data []byte) ([]byte, bool) {
	if len(data) < 1 || len(data) != 1+4*int(data[0]) {
		return nil, false
	}
	return data, true
}

func status(data []byte, sw uint16) []byte {
	return binary.BigEndian.AppendUint16(append([]byte(nil), data...), sw)
}

// ErrUnavailable 表示模拟设备未连接。
var ErrUnavailable = errors.New("emulated device unavailable")

// Open 让 Emulator 可以直接充当会话工厂，每次返回自身。
func (e *Emulator) Open(ctx context.Context) (adaapp.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Unplugged {
		return nil, ErrUnavailable
	}
	return e, nil
}
