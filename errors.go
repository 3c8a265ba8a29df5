package binder

import (
	"errors"
	"fmt"

	"github.com/binderd/binderd/internal/wire"
)

// ErrorCode categorizes an Endpoint-level failure by the outcome a real
// binder driver would report it as (spec §7): a hard protocol failure,
// a reply-path failure against a known-gone target, or a reply-path
// failure against a target that died mid-call.
type ErrorCode string

const (
	ErrCodeProtocol       ErrorCode = "protocol error"
	ErrCodeFailedReply    ErrorCode = "failed reply"
	ErrCodeDeadReply      ErrorCode = "dead reply"
	ErrCodeNoContextMgr   ErrorCode = "no context manager"
	ErrCodeBadDescriptor  ErrorCode = "unknown descriptor"
	ErrCodeBadProcess     ErrorCode = "unknown process"
	ErrCodeMappingTooLarge ErrorCode = "mapping exceeds limit"
	ErrCodeAllocFailed    ErrorCode = "buffer allocation failed"
)

// Error is a structured Endpoint error: which operation failed, on
// which process/thread, under which high-level category, and (when
// applicable) the BR_* return code an equivalent real binder call
// would have delivered for it.
type Error struct {
	Op        string
	ProcessID uint64
	ThreadID  uint64
	Code      ErrorCode
	Return    wire.Return // zero if not applicable
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ProcessID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.ProcessID))
	}
	if e.ThreadID != 0 {
		parts = append(parts, fmt.Sprintf("tid=%d", e.ThreadID))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("binder: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("binder: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// WrapError attaches op/process/thread context and a category to an
// internal error. code should reflect what the caller already knows
// about the failing call site; ErrCodeProtocol is a reasonable default
// for callers that have no more specific classification.
func WrapError(op string, pid, tid uint64, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		be.Op = op
		return be
	}
	return &Error{
		Op:        op,
		ProcessID: pid,
		ThreadID:  tid,
		Code:      code,
		Msg:       inner.Error(),
		Inner:     inner,
	}
}

// IsCode reports whether err (or something it wraps) is a *Error with
// the given category.
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsReturnCode reports whether err (or something it wraps) is a
// *Error carrying the given BR_* return code.
func IsReturnCode(err error, code wire.Return) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Return == code
	}
	return false
}
