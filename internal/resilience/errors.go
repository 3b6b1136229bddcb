package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/goodtune/kquota/internal/storage"
)

var (
	// ErrTransient marks a failure that may succeed if retried.
	ErrTransient = errors.New("transient failure")

	// ErrPermissionDenied marks a failure that will never succeed for the
	// lifetime of the process.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotConnected is returned by Do when the endpoint has no handle.
	ErrNotConnected = errors.New("endpoint not connected")

	// ErrPermanentlyFailed is returned once an endpoint has given up.
	ErrPermanentlyFailed = errors.New("endpoint permanently failed")
)

// Kind is the error taxonomy used to decide how a failure is handled.
type Kind int

const (
	KindOther Kind = iota
	KindTransient
	KindPermissionDenied
	KindDataCorruption
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermissionDenied:
		return "permission_denied"
	case KindDataCorruption:
		return "data_corruption"
	default:
		return "other"
	}
}

// Classify maps an error onto the taxonomy. Explicit markers win; otherwise
// connection-level failures from the standard library are treated as
// transient and permission errors as permanent.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, storage.ErrCorrupt):
		return KindDataCorruption
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return KindPermissionDenied
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindOther
}

// Transient wraps err so Classify reports it as transient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// PermissionDenied wraps err so Classify reports it as permanent.
func PermissionDenied(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
}
