package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindAlreadyExists
	KindFamilyMismatch
	KindUnsupported
	KindTimeout
	KindMalformed
	KindPermissionDenied
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindFamilyMismatch:
		return "family mismatch"
	case KindUnsupported:
		return "unsupported"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	case KindPermissionDenied:
		return "permission denied"
	case KindProtocol:
		return "protocol error"
	default:
		return "unknown error"
	}
}

// Error is the single error type returned by the netlink core. Code carries
// the raw kernel error number when the error came from a kernel ack.
type Error struct {
	Kind    ErrorKind
	Op      string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind, so errors.Is(err, ErrNotFound) holds for
// every not-found error regardless of operation or code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrAlreadyExists    = &Error{Kind: KindAlreadyExists}
	ErrFamilyMismatch   = &Error{Kind: KindFamilyMismatch}
	ErrUnsupported      = &Error{Kind: KindUnsupported}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrMalformed        = &Error{Kind: KindMalformed}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrProtocol         = &Error{Kind: KindProtocol}
)

func NewError(kind ErrorKind, op string, format string, a ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, a...),
	}
}

func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

func ProtocolError(op string, code int, message string) *Error {
	return &Error{
		Kind:    KindProtocol,
		Op:      op,
		Code:    code,
		Message: message,
	}
}

func UnsupportedError(op string, backend string) *Error {
	return NewError(KindUnsupported, op, "not supported by %s backend", backend)
}

func GetKind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// ErrnoClassifier lets a backend claim the subsystem private error numbers
// before the generic errno table is consulted. It returns KindUnknown for
// codes it does not own.
type ErrnoClassifier func(code int) (ErrorKind, string)

// ErrnoError turns a kernel error number into a typed error.
func ErrnoError(op string, code int, extack string, classify ErrnoClassifier) *Error {
	kind := KindUnknown
	var text string
	if classify != nil {
		kind, text = classify(code)
	}
	if kind == KindUnknown {
		errno := syscall.Errno(code)
		text = errno.Error()
		switch errno {
		case syscall.ENOENT:
			kind = KindNotFound
		case syscall.EEXIST:
			kind = KindAlreadyExists
		case syscall.EPERM, syscall.EACCES:
			kind = KindPermissionDenied
		case syscall.EOPNOTSUPP, syscall.EPROTONOSUPPORT, syscall.EAFNOSUPPORT:
			kind = KindUnsupported
		default:
			kind = KindProtocol
		}
	}
	if extack != "" {
		text = text + ": " + extack
	}
	return &Error{
		Kind:    kind,
		Op:      op,
		Code:    code,
		Message: text,
	}
}
