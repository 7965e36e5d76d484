package validator

import (
	"errors"
	"fmt"

	"github.com/aegis-sign/ledger-bridge/pkg/hdpath"
)

// PathErrorCode 对应设备 app 的路径校验错误号。
type PathErrorCode int

const (
	PathNotHardened PathErrorCode = 5001
	PathTooShort    PathErrorCode = 5002
	PathNotNumeric  PathErrorCode = 5003
	PathTooLong     PathErrorCode = 5004
)

// MaxPathLength 是设备接受的最大路径长度。
const MaxPathLength = 10

// PathError 描述一次路径校验失败，Error() 原样透传给调用方。
type PathError struct {
	Code   PathErrorCode
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%d - %s", e.Code, e.Reason)
}

// ValidateAccountPath 校验账户级路径：至少 3 级，前 3 级必须 hardened。
func ValidateAccountPath(path hdpath.Path) error {
	if len(path) < 3 {
		return &PathError{Code: PathTooShort, Reason: "The path provided is less than 3 indexes"}
	}
	if len(path) > MaxPathLength {
		return &PathError{Code: PathTooLong, Reason: fmt.Sprintf("The path provided is more than %d indexes", MaxPathLength)}
	}
	if err := validatePrefix(path); err != nil {
		return err
	}
	return nil
}

// ValidateAddressPath 校验地址路径：至少 5 级，前 3 级 hardened 且第 4 级为 0 或 1。
func ValidateAddressPath(path hdpath.Path) error {
	if len(path) < 5 {
		return &PathError{Code: PathTooShort, Reason: "The path provided is less than 5 indexes"}
	}
	if len(path) > MaxPathLength {
		return &PathError{Code: PathTooLong, Reason: fmt.Sprintf("The path provided is more than %d indexes", MaxPathLength)}
	}
	if err := validatePrefix(path); err != nil {
		return err
	}
	if path[3] != 0 && path[3] != 1 {
		return &PathError{Code: PathNotHardened, Reason: "The 4th index of the path must be 0 or 1"}
	}
	return nil
}

// FromDecodeError 将 JSON 解析阶段的非数字 index 错误转换为 5003。
func FromDecodeError(err error) error {
	var nonNumeric *hdpath.NonNumericError
	if errors.As(err, &nonNumeric) {
		return &PathError{Code: PathNotNumeric, Reason: "Some of the indexes is not a number"}
	}
	return err
}

func validatePrefix(path hdpath.Path) error {
	for i := 0; i < 3; i++ {
		if !hdpath.IsHardened(path[i]) {
			return &PathError{Code: PathNotHardened, Reason: "The path provided does not have the first 3 indexes hardened"}
		}
	}
	return nil
}
