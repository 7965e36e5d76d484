package hdpath

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// BIP44 常量，参见 bip-0044 与 slip-0044。
const (
	Hardened uint32 = 0x80000000
	Purpose  uint32 = 44
	CoinType uint32 = 1815 // Cardano
)

// ErrIndexOutOfRange 表示 index 不小于 Hardened，无法再加 hardened 偏移。
var ErrIndexOutOfRange = errors.New("path index out of range")

// Path 表示 BIP32 派生路径，每个元素是一个 index。
type Path []uint32

// CheckIndex 确认 index 落在 [0, Hardened) 内。
func CheckIndex(index uint32) error {
	if index >= Hardened {
		return fmt.Errorf("%w: %d >= %d", ErrIndexOutOfRange, index, Hardened)
	}
	return nil
}

func mustAccount(account uint32) {
	if err := CheckIndex(account); err != nil {
		panic(fmt.Sprintf("hdpath: account %v", err))
	}
}

// MakeCardanoBIP44Path 返回地址所需的 5 级路径：
// [HD+44, HD+1815, HD+account, chain, address]。
// chain 取 0（外部）或 1（找零）。account 必须小于 Hardened，否则 panic，
// 来自外部输入的 account 先用 CheckIndex 校验。
func MakeCardanoBIP44Path(account, chain, address uint32) Path {
	mustAccount(account)
	return Path{
		Hardened + Purpose,
		Hardened + CoinType,
		Hardened + account,
		chain,
		address,
	}
}

// MakeCardanoAccountBIP44Path 返回账户级 3 级路径 [HD+44, HD+1815, HD+account]。
// account 的取值范围同 MakeCardanoBIP44Path。
func MakeCardanoAccountBIP44Path(account uint32) Path {
	mustAccount(account)
	return Path{
		Hardened + Purpose,
		Hardened + CoinType,
		Hardened + account,
	}
}

// IsHardened 判断单个 index 是否为 hardened。
func IsHardened(index uint32) bool {
	return index >= Hardened
}

// ToDerivationPathString 渲染为 m/44'/1815'/0'/0/5 形式。
func ToDerivationPathString(path Path) string {
	var b strings.Builder
	b.WriteString("m")
	for _, item := range path {
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(uint64(item%Hardened), 10))
		if IsHardened(item) {
			b.WriteByte('\'')
		}
	}
	return b.String()
}

// String 实现 fmt.Stringer。
func (p Path) String() string {
	return ToDerivationPathString(p)
}

// NonNumericError 表示路径中某个元素不是合法的数字 index。
type NonNumericError struct {
	Position int
	Raw      string
}

func (e *NonNumericError) Error() string {
	return fmt.Sprintf("path index %d is not a number: %s", e.Position, e.Raw)
}

// UnmarshalJSON 逐个解析 index，非数字元素返回 *NonNumericError。
func (p *Path) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("path must be an array: %w", err)
	}
	out := make(Path, 0, len(raw))
	for i, item := range raw {
		v, err := strconv.ParseUint(strings.TrimSpace(string(item)), 10, 32)
		if err != nil {
			return &NonNumericError{Position: i, Raw: string(item)}
		}
		out = append(out, uint32(v))
	}
	*p = out
	return nil
}

// ParseDerivationPath 解析 m/44'/1815'/0'/0/5 形式的路径，"m/" 前缀可省略，h 与 ' 都表示 hardened。
func ParseDerivationPath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "m"), "/")
	if s == "" {
		return Path{}, nil
	}
	parts := strings.Split(s, "/")
	out := make(Path, 0, len(parts))
	for i, part := range parts {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		digits := strings.TrimRight(part, "'h")
		v, err := strconv.ParseUint(digits, 10, 31)
		if err != nil {
			return nil, &NonNumericError{Position: i, Raw: part}
		}
		index := uint32(v)
		if hardened {
			index += Hardened
		}
		out = append(out, index)
	}
	return out, nil
}
