package treeline

import (
	"fmt"
)

// canonical error codes surfaced to callers
// the numeric values are part of the wire contract and must not change
type ErrorCode int

const (
	CodeInvalidPath             ErrorCode = 1
	CodeReadOnlyPath            ErrorCode = 2
	CodeMalformedValue          ErrorCode = 3
	CodeUnsupportedSubscription ErrorCode = 4
	CodeUnsatisfiableInterval   ErrorCode = 5
	CodeOverlappingPoll         ErrorCode = 6
	CodeAliasConflict           ErrorCode = 7
)

func (self ErrorCode) String() string {
	switch self {
	case CodeInvalidPath:
		return "InvalidPath"
	case CodeReadOnlyPath:
		return "ReadOnlyPath"
	case CodeMalformedValue:
		return "MalformedValue"
	case CodeUnsupportedSubscription:
		return "UnsupportedSubscriptionMode"
	case CodeUnsatisfiableInterval:
		return "UnsatisfiableInterval"
	case CodeOverlappingPoll:
		return "OverlappingPoll"
	case CodeAliasConflict:
		return "AliasConflict"
	default:
		return fmt.Sprintf("Unknown(%d)", int(self))
	}
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (self *Error) Error() string {
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

func NewError(code ErrorCode, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

func ErrInvalidPath(format string, a ...any) *Error {
	return NewError(CodeInvalidPath, format, a...)
}

func ErrReadOnlyPath(format string, a ...any) *Error {
	return NewError(CodeReadOnlyPath, format, a...)
}

func ErrMalformedValue(format string, a ...any) *Error {
	return NewError(CodeMalformedValue, format, a...)
}

func ErrUnsupportedSubscription(format string, a ...any) *Error {
	return NewError(CodeUnsupportedSubscription, format, a...)
}

func ErrUnsatisfiableInterval(format string, a ...any) *Error {
	return NewError(CodeUnsatisfiableInterval, format, a...)
}

func ErrOverlappingPoll(format string, a ...any) *Error {
	return NewError(CodeOverlappingPoll, format, a...)
}

func ErrAliasConflict(format string, a ...any) *Error {
	return NewError(CodeAliasConflict, format, a...)
}
