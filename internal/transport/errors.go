package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Kind classifies a transport failure by how the engine must react to it.
type Kind int

const (
	KindPermanent Kind = iota
	KindNotFound
	KindTransient
	KindQuotaExceeded
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindTransient:
		return "TransientTransport"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	default:
		return "Permanent"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrNotFound      = errors.New("transport: not found")
	ErrTransient     = errors.New("transport: transient failure")
	ErrQuotaExceeded = errors.New("transport: quota exceeded")
)

// Error wraps a backend failure with the operation and object it hit.
type Error struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrQuotaExceeded:
		return e.Kind == KindQuotaExceeded
	}
	return false
}

func NewError(op, key string, kind Kind, err error) *Error {
	return &Error{Op: op, Key: key, Kind: kind, Err: err}
}

// KindOf returns the kind of err, KindPermanent for foreign errors.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return KindPermanent
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// classifyCommon recognises failures that look the same for every backend.
func classifyCommon(err error) (Kind, bool) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, os.ErrNotExist):
		return KindNotFound, true
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, syscall.ENOSPC):
		return KindQuotaExceeded, true
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return KindTransient, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient, true
	}
	return KindPermanent, false
}

// localKind classifies an error from the local filesystem side of a transfer.
func localKind(err error) Kind {
	if kind, ok := classifyCommon(err); ok {
		return kind
	}
	return KindPermanent
}
