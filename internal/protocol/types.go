package protocol

import (
	"encoding/json"
	"strings"

	"github.com/aegis-sign/ledger-bridge/pkg/hdpath"
)

// TargetName 是 remote context 识别请求的固定标识。
const TargetName = "YOROI-LEDGER-BRIDGE"

// Action 表示请求种类。
type Action string

const (
	ActionGetVersion           Action = "ledger-get-version"
	ActionGetExtendedPublicKey Action = "ledger-get-extended-public-key"
	ActionDeriveAddress        Action = "ledger-derive-address"
	ActionShowAddress          Action = "ledger-show-address"
	ActionSignTransaction      Action = "ledger-sign-transaction"
)

const replySuffix = "-reply"

// Actions 返回所有受支持的请求种类。
func Actions() []Action {
	return []Action{
		ActionGetVersion,
		ActionGetExtendedPublicKey,
		ActionDeriveAddress,
		ActionShowAddress,
		ActionSignTransaction,
	}
}

// Known 判断 action 是否属于受支持的集合。
func (a Action) Known() bool {
	for _, known := range Actions() {
		if a == known {
			return true
		}
	}
	return false
}

// ReplyTag 返回对应的回复标签 `<action>-reply`。
func (a Action) ReplyTag() string {
	return string(a) + replySuffix
}

// RequestActionOf 从回复标签还原请求 action，非回复标签返回 false。
func RequestActionOf(replyTag string) (Action, bool) {
	if !strings.HasSuffix(replyTag, replySuffix) {
		return "", false
	}
	return Action(strings.TrimSuffix(replyTag, replySuffix)), true
}

// Request 是 host 发往 remote context 的请求信封。
type Request struct {
	Target string          `json:"target"`
	Action Action          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id,omitempty"`
}

// Reply 是 remote context 回给 host 的信封。
type Reply struct {
	Action  string          `json:"action"`
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload 是 success=false 时的 payload。
type ErrorPayload struct {
	Error string `json:"error,omitempty"`
}

// PathParams 用于 get-extended-public-key / derive-address / show-address。
type PathParams struct {
	HDPath hdpath.Path `json:"hdPath"`
}

// SignTransactionParams 是 sign-transaction 的参数。
type SignTransactionParams struct {
	Inputs  []InputTypeUTxO `json:"inputs"`
	Outputs []TxOutput      `json:"outputs"`
}

// InputTypeUTxO 描述一个待花费的 UTxO。
type InputTypeUTxO struct {
	TxDataHex   string      `json:"txDataHex" yaml:"txDataHex"`
	OutputIndex uint32      `json:"outputIndex" yaml:"outputIndex"`
	Path        hdpath.Path `json:"path" yaml:"path"`
}

// TxOutput 是外部地址输出（Address58）或找零输出（Path）二选一。
type TxOutput struct {
	AmountStr string      `json:"amountStr" yaml:"amountStr"`
	Address58 string      `json:"address58,omitempty" yaml:"address58,omitempty"`
	Path      hdpath.Path `json:"path,omitempty" yaml:"path,omitempty"`
}

// IsChange 判断输出是否为找零输出。
func (o TxOutput) IsChange() bool {
	return o.Address58 == "" && len(o.Path) > 0
}

// Flags 是 GetVersion 返回的标志位。
type Flags struct {
	IsDebug bool `json:"isDebug"`
}

// GetVersionResponse 对应设备 app 版本。
type GetVersionResponse struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
	Patch uint8 `json:"patch"`
	Flags Flags `json:"flags"`
}

// GetExtendedPublicKeyResponse 返回 hex 编码的公钥与 chain code。
type GetExtendedPublicKeyResponse struct {
	PublicKeyHex string `json:"publicKey"`
	ChainCodeHex string `json:"chainCode"`
}

// DeriveAddressResponse 返回 base58 地址。
type DeriveAddressResponse struct {
	Address58 string `json:"address58"`
}

// Witness 是单个输入路径的签名。
type Witness struct {
	Path                hdpath.Path `json:"path"`
	WitnessSignatureHex string      `json:"witnessSignatureHex"`
}

// SignTransactionResponse 返回交易哈希与 witness 列表。
type SignTransactionResponse struct {
	TxHashHex string    `json:"txHashHex"`
	Witnesses []Witness `json:"witnesses"`
}
