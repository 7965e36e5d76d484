package adaapp

import (
	"encoding/binary"
	"fmt"

	"github.com/aegis-sign/ledger-bridge/pkg/hdpath"
)

const (
	cla = 0xD7

	insGetVersion     = 0x00
	insGetExtendedKey = 0x10
	insAddress        = 0x11
	insSignTx         = 0x20

	p1DeriveAddress = 0x01
	p1ShowAddress   = 0x02

	p1SignInit    = 0x01
	p1SignInput   = 0x02
	p1SignOutput  = 0x03
	p1SignConfirm = 0x04
	p1SignWitness = 0x05

	p2First        = 0x00
	p2Continuation = 0x01

	outputTypeAddress = 0x01
	outputTypeChange  = 0x02

	// maxChunk 是单条 APDU data 的最大长度。
	maxChunk = 250
)

// StatusOK 是设备成功状态字。
const StatusOK uint16 = 0x9000

var statusText = map[uint16]string{
	0x6E00: "CLA not supported",
	0x6D00: "INS not supported",
	0x6B00: "invalid P1/P2",
	0x6A80: "invalid data",
	0x6986: "action rejected by user",
	0x6801: "device locked",
	0x6804: "wrong application opened",
	0x6E01: "wrong application opened",
}

// StatusError 表示设备返回了非 0x9000 的状态字。
type StatusError struct {
	Status uint16
	INS    byte
}

func (e *StatusError) Error() string {
	text, ok := statusText[e.Status]
	if !ok {
		text = "unknown status"
	}
	return fmt.Sprintf("Ledger device: %s (0x%04x)", text, e.Status)
}

// StatusWord 实现 ledgererr.StatusWorder。
func (e *StatusError) StatusWord() uint16 { return e.Status }

func buildAPDU(ins, p1, p2 byte, data []byte) []byte {
	apdu := make([]byte, 0, 5+len(data))
	apdu = append(apdu, cla, ins, p1, p2, byte(len(data)))
	return append(apdu, data...)
}

// encodePath 按 count(1) + index(4, BE)* 编码路径。
func encodePath(path hdpath.Path) []byte {
	buf := make([]byte, 1, 1+4*len(path))
	buf[0] = byte(len(path))
	for _, idx := range path {
		buf = binary.BigEndian.AppendUint32(buf, idx)
	}
	return buf
}

func splitStatus(resp []byte, ins byte) ([]byte, error) {
	if len(resp) < 2 {
		return nil, fmt.Errorf("device response too short: %d bytes", len(resp))
	}
	n := len(resp) - 2
	sw := binary.BigEndian.Uint16(resp[n:])
	if sw != StatusOK {
		return nil, &StatusError{Status: sw, INS: ins}
	}
	return resp[:n], nil
}

func chunk(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{nil}
	}
	chunks := make([][]byte, 0, (len(data)+maxChunk-1)/maxChunk)
	for len(data) > maxChunk {
		chunks = append(chunks, data[:maxChunk])
		data = data[maxChunk:]
	}
	return append(chunks, data)
}
