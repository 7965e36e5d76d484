package ledgererr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
)

// Code 表示桥接层对外暴露的稳定错误码。
type Code string

const (
	CodeTimeout         Code = "LEDGER_TIMEOUT"
	CodeWrongApp        Code = "LEDGER_WRONG_APP"
	CodeLocked          Code = "LEDGER_LOCKED"
	CodeU2FNotSupported Code = "U2F_NOT_SUPPORTED"
	CodeUnexpected      Code = "SOMETHING_UNEXPECTED_HAPPENED"
	CodeNoResponse      Code = "NO_RESPONSE"
	CodeBusy            Code = "BRIDGE_BUSY"
	CodeRateLimited     Code = "BRIDGE_RATE_LIMITED"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeDeviceOperation Code = "DEVICE_OPERATION_FAILED"
)

// 设备返回的 APDU 状态字。
const (
	StatusWrongApp uint16 = 0x6804
	StatusLocked   uint16 = 0x6801
)

// U2F 超时对应的 metaData.code。
const transportTimeoutCode = 5

var httpStatusMap = map[Code]int{
	CodeInvalidArgument: 400,
	CodeWrongApp:        409,
	CodeLocked:          423,
	CodeBusy:            429,
	CodeRateLimited:     429,
	CodeU2FNotSupported: 501,
	CodeDeviceOperation: 502,
	CodeTimeout:         504,
	CodeNoResponse:      504,
}

var grpcStatusMap = map[Code]codes.Code{
	CodeInvalidArgument: codes.InvalidArgument,
	CodeWrongApp:        codes.FailedPrecondition,
	CodeLocked:          codes.FailedPrecondition,
	CodeBusy:            codes.ResourceExhausted,
	CodeRateLimited:     codes.ResourceExhausted,
	CodeU2FNotSupported: codes.Unimplemented,
	CodeDeviceOperation: codes.Aborted,
	CodeTimeout:         codes.DeadlineExceeded,
	CodeNoResponse:      codes.DeadlineExceeded,
}

// Error 表示带统一错误码的桥接错误，Error() 返回原始消息。
type Error struct {
	Code       Code
	Message    string
	retryAfter time.Duration
}

// New 创建一个新的桥接错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// FromMessage 根据 reply 中的 error 字符串还原错误，未知字符串归为 DEVICE_OPERATION_FAILED。
func FromMessage(message string) *Error {
	if message == "" {
		return New(CodeUnexpected, string(CodeUnexpected))
	}
	code := Code(message)
	if _, ok := httpStatusMap[code]; ok || code == CodeUnexpected {
		return New(code, message)
	}
	return New(CodeDeviceOperation, message)
}

// WithRetryAfter 设置 Retry-After 提示，返回自身方便链式调用。
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// RetryAfterHint 以秒为单位返回 Retry-After 提示文本。
func (e *Error) RetryAfterHint() string {
	if e == nil || e.retryAfter <= 0 {
		return ""
	}
	seconds := int((e.retryAfter + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// FromError 尝试从通用 error 中解析桥接错误。
func FromError(err error) (*Error, bool) {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return bridgeErr, true
	}
	return nil, false
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// GRPCStatus 返回对应的 gRPC code，未知错误默认 Internal。
func GRPCStatus(code Code) codes.Code {
	if status, ok := grpcStatusMap[code]; ok {
		return status
	}
	return codes.Internal
}

// RequiresRetryAfter 标记是否必须携带 Retry-After 头。
func RequiresRetryAfter(code Code) bool {
	return code == CodeBusy || code == CodeRateLimited
}

// MetaData 对应传输层错误携带的元数据。
type MetaData struct {
	Code int
	Type string
}

// TransportStatusError 表示传输层（U2F/WebAuthn/socket）返回的协议错误。
type TransportStatusError struct {
	MetaData MetaData
	Err      error
}

func (e *TransportStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error %s (code %d): %v", e.MetaData.Type, e.MetaData.Code, e.Err)
	}
	return fmt.Sprintf("transport error %s (code %d)", e.MetaData.Type, e.MetaData.Code)
}

func (e *TransportStatusError) Unwrap() error { return e.Err }

// NewTransportTimeout 构造 code=5 的超时错误。
func NewTransportTimeout(err error) *TransportStatusError {
	return &TransportStatusError{MetaData: MetaData{Code: transportTimeoutCode, Type: "TIMEOUT"}, Err: err}
}

// IdentifiedError 描述同时带 id 与 message 的客户端错误（U2F client error 形式）。
type IdentifiedError interface {
	ErrorID() string
	ErrorMessage() string
}

// ClientError 是 IdentifiedError 的默认实现。
type ClientError struct {
	ID      string
	Message string
}

func (e *ClientError) Error() string        { return e.ID + ": " + e.Message }
func (e *ClientError) ErrorID() string      { return e.ID }
func (e *ClientError) ErrorMessage() string { return e.Message }

// StatusWorder 由携带 APDU 状态字的设备错误实现。
type StatusWorder interface {
	StatusWord() uint16
}

// ToMessage 将底层失败转换为有限的错误词汇。运行在失败路径上，必须对任何输入返回字符串且不 panic。
func ToMessage(err any) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = string(CodeUnexpected)
		}
	}()
	if err == nil {
		return string(CodeUnexpected)
	}

	if s, ok := err.(string); ok {
		return fromString(s)
	}

	if e, ok := err.(error); ok {
		var transportErr *TransportStatusError
		if errors.As(e, &transportErr) && transportErr != nil {
			if transportErr.MetaData.Code == transportTimeoutCode {
				return string(CodeTimeout)
			}
			return transportErr.MetaData.Type
		}
		var identified IdentifiedError
		if errors.As(e, &identified) && strings.Contains(identified.ErrorMessage(), "U2F not supported") {
			return string(CodeU2FNotSupported)
		}
		var sw StatusWorder
		if errors.As(e, &sw) {
			switch sw.StatusWord() {
			case StatusWrongApp:
				return string(CodeWrongApp)
			case StatusLocked:
				return string(CodeLocked)
			}
		}
		return e.Error()
	}

	if identified, ok := err.(IdentifiedError); ok && strings.Contains(identified.ErrorMessage(), "U2F not supported") {
		return string(CodeU2FNotSupported)
	}
	return fmt.Sprint(err)
}

func fromString(s string) string {
	switch {
	case strings.Contains(s, "6804"):
		return string(CodeWrongApp)
	case strings.Contains(s, "6801"):
		return string(CodeLocked)
	default:
		return s
	}
}
