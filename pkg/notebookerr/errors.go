// Package notebookerr classifies this server's error kinds as values, so
// the transport layer (pkg/rpc) can map them to JSON-RPC error codes
// without every subsystem needing to know about JSON-RPC.
package notebookerr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds this server distinguishes.
type Kind string

const (
	// KindCaller covers bad paths, unknown sessions, path traversal,
	// invalid cell indices — never fatal, never retried automatically.
	KindCaller Kind = "caller"
	// KindResourceExhaustion covers kernel cap, queue-full, storage-cap.
	KindResourceExhaustion Kind = "resource_exhaustion"
	// KindKernelStartup covers ready-timeout, port exhaustion, missing
	// interpreter.
	KindKernelStartup Kind = "kernel_startup"
	// KindKernelRuntime covers user code raising inside the kernel — this
	// is reported as a successful task with a terminal error status, never
	// surfaced through this error type at the transport boundary.
	KindKernelRuntime Kind = "kernel_runtime"
	// KindKernelDeath covers kernel process death detected by the exit
	// monitor or health probe.
	KindKernelDeath Kind = "kernel_death"
	// KindFinalizerIO covers notebook write failures.
	KindFinalizerIO Kind = "finalizer_io"
	// KindStore covers durable-store failures.
	KindStore Kind = "store"
)

// Error wraps an underlying error with a classification kind and, for
// resource-exhaustion errors, an actionable retry-after hint.
type Error struct {
	Kind       Kind
	RetryAfter int // seconds; zero means "no specific suggestion"
	err        error
}

func (e *Error) Error() string {
	if e.err == nil {
		return string(e.Kind)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// New wraps err with kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

// Newf wraps a formatted error with kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, err: fmt.Errorf(format, args...)}
}

// Retryable wraps err as a resource-exhaustion error carrying a
// retry-after-seconds hint.
func Retryable(err error, retryAfterSeconds int) *Error {
	return &Error{Kind: KindResourceExhaustion, RetryAfter: retryAfterSeconds, err: err}
}

// As extracts a *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the classification of err, defaulting to KindStore for any
// error not wrapped with a notebookerr.Error — unclassified failures from
// this server are assumed to be durable-store or internal failures, the
// most conservative (least-retryable) bucket.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindStore
}
