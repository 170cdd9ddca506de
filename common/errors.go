package common

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorCode 定义错误码类型
type ErrorCode string

const (
	ErrCodeConnectionClosed  ErrorCode = "CONNECTION_CLOSED"
	ErrCodeChannelClosed     ErrorCode = "CHANNEL_CLOSED"
	ErrCodeContextClosed     ErrorCode = "CONTEXT_CLOSED"
	ErrCodePipeClosed        ErrorCode = "PIPE_CLOSED"
	ErrCodeListenerClosed    ErrorCode = "LISTENER_CLOSED"
	ErrCodeSystem            ErrorCode = "SYSTEM_ERROR"
	ErrCodeShortRead         ErrorCode = "SHORT_READ"
	ErrCodeEOF               ErrorCode = "EOF"
	ErrCodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
)

// Error 是整个运行时使用的错误结构，所有回调收到的错误都是这个类型。
// 每个对象只记录第一个错误，后续错误被丢弃。
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tensorlink error: [%s] %s", e.Code, e.Message)
}

// Is 按错误码匹配，使 errors.Is(err, ErrConnectionClosed) 可用。
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Code == te.Code
}

var (
	ErrConnectionClosed = &Error{Code: ErrCodeConnectionClosed, Message: "connection closed"}
	ErrChannelClosed    = &Error{Code: ErrCodeChannelClosed, Message: "channel closed"}
	ErrContextClosed    = &Error{Code: ErrCodeContextClosed, Message: "context closed"}
	ErrPipeClosed       = &Error{Code: ErrCodePipeClosed, Message: "pipe closed"}
	ErrListenerClosed   = &Error{Code: ErrCodeListenerClosed, Message: "listener closed"}
	ErrEOF              = &Error{Code: ErrCodeEOF, Message: "end of stream"}
)

// NewSystemError 包装一次系统调用失败，domain 是系统调用名
func NewSystemError(domain string, errno error) *Error {
	msg := fmt.Sprintf("%s: %v", domain, errno)
	if no, ok := errno.(unix.Errno); ok {
		msg = fmt.Sprintf("%s: %s (errno %d)", domain, no.Error(), int(no))
	}
	return &Error{Code: ErrCodeSystem, Message: msg}
}

func NewShortReadError(expected, actual int) *Error {
	return &Error{
		Code:    ErrCodeShortRead,
		Message: fmt.Sprintf("expected to read %d bytes, got %d", expected, actual),
	}
}

func NewProtocolViolation(reason string) *Error {
	return &Error{Code: ErrCodeProtocolViolation, Message: reason}
}
