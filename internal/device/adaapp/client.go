package adaapp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/btcsuite/btcutil/base58"

	"github.com/aegis-sign/ledger-bridge/internal/protocol"
	"github.com/aegis-sign/ledger-bridge/pkg/hdpath"
	"github.com/aegis-sign/ledger-bridge/pkg/validator"
)

const (
	publicKeySize = 32
	chainCodeSize = 32
	txHashSize    = 32
	signatureSize = 64
)

// ErrInvalidResponse 表示设备返回的数据长度或格式不符合预期。
var ErrInvalidResponse = errors.New("unexpected device response")

// Transport 交换一条 APDU，返回 data 加 2 字节状态字。
type Transport interface {
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)
	Close() error
}

// Client 是 Cardano 设备 app 的客户端，绑定到单个 Transport。
type Client struct {
	transport Transport
	logger    *slog.Logger
}

// New 创建客户端，logger 为空时使用 slog.Default()。
func New(transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: transport, logger: logger}
}

// GetVersion 读取 app 版本与标志位。
func (c *Client) GetVersion(ctx context.Context) (protocol.GetVersionResponse, error) {
	data, err := c.send(ctx, insGetVersion, 0, 0, nil)
	if err != nil {
		return protocol.GetVersionResponse{}, err
	}
	if len(data) < 4 {
		return protocol.GetVersionResponse{}, fmt.Errorf("%w: version has %d bytes", ErrInvalidResponse, len(data))
	}
	return protocol.GetVersionResponse{
		Major: data[0],
		Minor: data[1],
		Patch: data[2],
		Flags: protocol.Flags{IsDebug: data[3]&0x01 == 0x01},
	}, nil
}

// GetExtendedPublicKey 返回账户路径对应的公钥与 chain code。
func (c *Client) GetExtendedPublicKey(ctx context.Context, path hdpath.Path) (protocol.GetExtendedPublicKeyResponse, error) {
	if err := validator.ValidateAccountPath(path); err != nil {
		return protocol.GetExtendedPublicKeyResponse{}, err
	}
	data, err := c.send(ctx, insGetExtendedKey, 0, 0, encodePath(path))
	if err != nil {
		return protocol.GetExtendedPublicKeyResponse{}, err
	}
	if len(data) != publicKeySize+chainCodeSize {
		return protocol.GetExtendedPublicKeyResponse{}, fmt.Errorf("%w: extended key has %d bytes", ErrInvalidResponse, len(data))
	}
	return protocol.GetExtendedPublicKeyResponse{
		PublicKeyHex: hex.EncodeToString(data[:publicKeySize]),
		ChainCodeHex: hex.EncodeToString(data[publicKeySize:]),
	}, nil
}

// DeriveAddress 返回地址路径对应的 base58 地址。
func (c *Client) DeriveAddress(ctx context.Context, path hdpath.Path) (protocol.DeriveAddressResponse, error) {
	if err := validator.ValidateAddressPath(path); err != nil {
		return protocol.DeriveAddressResponse{}, err
	}
	data, err := c.send(ctx, insAddress, p1DeriveAddress, 0, encodePath(path))
	if err != nil {
		return protocol.DeriveAddressResponse{}, err
	}
	if len(data) == 0 {
		return protocol.DeriveAddressResponse{}, fmt.Errorf("%w: empty address", ErrInvalidResponse)
	}
	return protocol.DeriveAddressResponse{Address58: base58.Encode(data)}, nil
}

// ShowAddress 让设备在屏幕上展示地址，等待用户确认。
func (c *Client) ShowAddress(ctx context.Context, path hdpath.Path) error {
	if err := validator.ValidateAddressPath(path); err != nil {
		return err
	}
	_, err := c.send(ctx, insAddress, p1ShowAddress, 0, encodePath(path))
	return err
}

// SignTransaction 按 init、input、output、confirm、witness 的顺序驱动设备签名。
func (c *Client) SignTransaction(ctx context.Context, inputs []protocol.InputTypeUTxO, outputs []protocol.TxOutput) (protocol.SignTransactionResponse, error) {
	var resp protocol.SignTransactionResponse
	if len(inputs) == 0 {
		return resp, errors.New("transaction has no inputs")
	}
	if len(outputs) == 0 {
		return resp, errors.New("transaction has no outputs")
	}
	for _, in := range inputs {
		if err := validator.ValidateAddressPath(in.Path); err != nil {
			return resp, err
		}
	}
	encodedOutputs := make([][]byte, 0, len(outputs))
	for i, out := range outputs {
		encoded, err := encodeOutput(out)
		if err != nil {
			return resp, fmt.Errorf("output %d: %w", i, err)
		}
		encodedOutputs = append(encodedOutputs, encoded)
	}

	initData := binary.BigEndian.AppendUint32(nil, uint32(len(inputs)))
	initData = binary.BigEndian.AppendUint32(initData, uint32(len(outputs)))
	if _, err := c.send(ctx, insSignTx, p1SignInit, 0, initData); err != nil {
		return resp, err
	}

	for i, in := range inputs {
		txData, err := hex.DecodeString(in.TxDataHex)
		if err != nil {
			return resp, fmt.Errorf("input %d: txDataHex: %w", i, err)
		}
		payload := binary.BigEndian.AppendUint32(nil, in.OutputIndex)
		payload = append(payload, txData...)
		if err := c.sendChunked(ctx, insSignTx, p1SignInput, payload); err != nil {
			return resp, err
		}
	}

	for _, encoded := range encodedOutputs {
		if _, err := c.send(ctx, insSignTx, p1SignOutput, 0, encoded); err != nil {
			return resp, err
		}
	}

	hash, err := c.send(ctx, insSignTx, p1SignConfirm, 0, nil)
	if err != nil {
		return resp, err
	}
	if len(hash) != txHashSize {
		return resp, fmt.Errorf("%w: tx hash has %d bytes", ErrInvalidResponse, len(hash))
	}
	resp.TxHashHex = hex.EncodeToString(hash)

	for _, path := range distinctPaths(inputs) {
		sig, err := c.send(ctx, insSignTx, p1SignWitness, 0, encodePath(path))
		if err != nil {
			return protocol.SignTransactionResponse{}, err
		}
		if len(sig) != signatureSize {
			return protocol.SignTransactionResponse{}, fmt.Errorf("%w: signature has %d bytes", ErrInvalidResponse, len(sig))
		}
		resp.Witnesses = append(resp.Witnesses, protocol.Witness{Path: path, WitnessSignatureHex: hex.EncodeToString(sig)})
	}
	c.logger.Debug("transaction signed", "tx_hash", resp.TxHashHex, "witnesses", len(resp.Witnesses))
	return resp, nil
}

func encodeOutput(out protocol.TxOutput) ([]byte, error) {
	amount, err := strconv.ParseUint(out.AmountStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("amountStr %q: %w", out.AmountStr, err)
	}
	buf := binary.BigEndian.AppendUint64(nil, amount)
	switch {
	case out.Address58 != "":
		raw := base58.Decode(out.Address58)
		if len(raw) == 0 {
			return nil, fmt.Errorf("address58 %q is not valid base58", out.Address58)
		}
		buf = append(buf, outputTypeAddress)
		return append(buf, raw...), nil
	case out.IsChange():
		if err := validator.ValidateAddressPath(out.Path); err != nil {
			return nil, err
		}
		buf = append(buf, outputTypeChange)
		return append(buf, encodePath(out.Path)...), nil
	default:
		return nil, errors.New("output needs address58 or path")
	}
}

// distinctPaths 按首次出现的顺序去重输入路径。
func distinctPaths(inputs []protocol.InputTypeUTxO) []hdpath.Path {
	seen := make(map[string]struct{}, len(inputs))
	paths := make([]hdpath.Path, 0, len(inputs))
	for _, in := range inputs {
		key := in.Path.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		paths = append(paths, in.Path)
	}
	return paths
}

func (c *Client) send(ctx context.Context, ins, p1, p2 byte, data []byte) ([]byte, error) {
	if len(data) > 255 {
		return nil, fmt.Errorf("apdu data too long: %d bytes", len(data))
	}
	resp, err := c.transport.Exchange(ctx, buildAPDU(ins, p1, p2, data))
	if err != nil {
		return nil, err
	}
	return splitStatus(resp, ins)
}

func (c *Client) sendChunked(ctx context.Context, ins, p1 byte, payload []byte) error {
	p2 := byte(p2First)
	for _, part := range chunk(payload) {
		if _, err := c.send(ctx, ins, p1, p2, part); err != nil {
			return err
		}
		p2 = p2Continuation
	}
	return nil
}
