// Package shared contains the error taxonomy shared by every data-access component.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors of the data-access core. Every failure surfaced to callers
// wraps exactly one of these so that errors.Is and KindOf can classify it.
var (
	// ErrPoolExhausted indicates no connection became available within the acquire timeout
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrPoolClosed indicates the pool has been shut down
	ErrPoolClosed = errors.New("pool closed")

	// ErrConnectionUnavailable indicates the executor could not obtain a connection
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrDataSourceNotReady indicates migrations have not completed or have failed
	ErrDataSourceNotReady = errors.New("data source not ready")

	// ErrMigrationChecksumMismatch indicates a recorded migration was modified after it was applied
	ErrMigrationChecksumMismatch = errors.New("migration checksum mismatch")

	// ErrStatement indicates the driver rejected a statement
	ErrStatement = errors.New("statement error")

	// ErrCancelled indicates the caller cancelled a submission
	ErrCancelled = errors.New("cancelled")

	// ErrUnknownDataSource indicates lookup of an unregistered name
	ErrUnknownDataSource = errors.New("unknown data source")

	// ErrDataSourceAlreadyActive indicates re-registration of an active name
	ErrDataSourceAlreadyActive = errors.New("data source already active")

	// ErrForcedShutdown is a warning: leases did not drain within the bound and were closed
	ErrForcedShutdown = errors.New("forced shutdown")

	// ErrMainThreadBlocking indicates a synchronous call from the host main context
	ErrMainThreadBlocking = errors.New("blocking call on main thread")

	// ErrValidation indicates that configuration or input validation failed
	ErrValidation = errors.New("validation failed")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrInternal indicates an internal failure
	ErrInternal = errors.New("internal error")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindCancelled represents caller or context cancellation
	KindCancelled
	// KindUnknownDataSource represents lookups of unregistered names
	KindUnknownDataSource
	// KindDataSourceAlreadyActive represents re-registration of active names
	KindDataSourceAlreadyActive
	// KindDataSourceNotReady represents gated data sources
	KindDataSourceNotReady
	// KindMigrationChecksumMismatch represents modified migration history
	KindMigrationChecksumMismatch
	// KindStatement represents driver-reported statement failures
	KindStatement
	// KindConnectionUnavailable represents executor acquisition failures
	KindConnectionUnavailable
	// KindPoolExhausted represents acquire timeouts
	KindPoolExhausted
	// KindPoolClosed represents acquisitions after shutdown
	KindPoolClosed
	// KindForcedShutdown represents undrained shutdowns
	KindForcedShutdown
	// KindMainThreadBlocking represents synchronous calls from the main context
	KindMainThreadBlocking
	// KindValidation represents validation errors
	KindValidation
	// KindTimeout represents timeout errors
	KindTimeout
	// KindInternal represents internal errors
	KindInternal
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "Cancelled"
	case KindUnknownDataSource:
		return "UnknownDataSource"
	case KindDataSourceAlreadyActive:
		return "DataSourceAlreadyActive"
	case KindDataSourceNotReady:
		return "DataSourceNotReady"
	case KindMigrationChecksumMismatch:
		return "MigrationChecksumMismatch"
	case KindStatement:
		return "StatementError"
	case KindConnectionUnavailable:
		return "ConnectionUnavailable"
	case KindPoolExhausted:
		return "PoolExhausted"
	case KindPoolClosed:
		return "PoolClosed"
	case KindForcedShutdown:
		return "ForcedShutdown"
	case KindMainThreadBlocking:
		return "MainThreadBlocking"
	case KindValidation:
		return "Validation"
	case KindTimeout:
		return "Timeout"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// kindToSentinel maps error kinds to their corresponding sentinel errors.
var kindToSentinel = map[Kind]error{
	KindCancelled:                 ErrCancelled,
	KindUnknownDataSource:         ErrUnknownDataSource,
	KindDataSourceAlreadyActive:   ErrDataSourceAlreadyActive,
	KindDataSourceNotReady:        ErrDataSourceNotReady,
	KindMigrationChecksumMismatch: ErrMigrationChecksumMismatch,
	KindStatement:                 ErrStatement,
	KindConnectionUnavailable:     ErrConnectionUnavailable,
	KindPoolExhausted:             ErrPoolExhausted,
	KindPoolClosed:                ErrPoolClosed,
	KindForcedShutdown:            ErrForcedShutdown,
	KindMainThreadBlocking:        ErrMainThreadBlocking,
	KindValidation:                ErrValidation,
	KindTimeout:                   ErrTimeout,
	KindInternal:                  ErrInternal,
}

// kindPriorities defines the deterministic order for error classification.
// Higher priority (lower index) kinds are checked first in KindOf.
// ConnectionUnavailable precedes the pool kinds because the executor wraps them.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCancelled, nil}, // ErrCancelled or context.Canceled
	{KindUnknownDataSource, ErrUnknownDataSource},
	{KindDataSourceAlreadyActive, ErrDataSourceAlreadyActive},
	{KindDataSourceNotReady, ErrDataSourceNotReady},
	{KindMigrationChecksumMismatch, ErrMigrationChecksumMismatch},
	{KindStatement, ErrStatement},
	{KindConnectionUnavailable, ErrConnectionUnavailable},
	{KindPoolExhausted, ErrPoolExhausted},
	{KindPoolClosed, ErrPoolClosed},
	{KindForcedShutdown, ErrForcedShutdown},
	{KindMainThreadBlocking, ErrMainThreadBlocking},
	{KindValidation, ErrValidation},
	{KindTimeout, nil}, // context.DeadlineExceeded, ErrTimeout, net timeouts
	{KindInternal, ErrInternal},
}

// KindOf returns the Kind of the given error by checking against known sentinel errors.
// It traverses the error chain using a deterministic priority order, so an
// executor failure that wraps both ErrConnectionUnavailable and ErrPoolExhausted
// classifies as KindConnectionUnavailable.
//
// Returns KindUnknown for nil and unrecognized errors.
//
// Example:
//
//	switch shared.KindOf(err) {
//	case shared.KindConnectionUnavailable, shared.KindDataSourceNotReady:
//	    // back off and retry later
//	case shared.KindStatement:
//	    // inspect the native code
//	}
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCancelled:
			if IsCancelled(err) {
				return KindCancelled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if priority.err != nil && errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// HasKind reports whether the given error has the specified kind.
// It is equivalent to KindOf(err) == kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns the sentinel error for the given Kind.
// For KindUnknown it returns nil.
func SentinelOf(kind Kind) error {
	if sentinel, exists := kindToSentinel[kind]; exists {
		return sentinel
	}
	return nil
}

// MarkKind wraps an error with the sentinel error for the given kind,
// preserving the original error through error wrapping.
// Both KindOf(MarkKind(err, kind)) == kind and errors.Is(MarkKind(err, kind), err) hold
// unless err already classifies under a higher priority kind.
// If err is nil, returns the sentinel error for the kind.
// If kind is KindUnknown, returns the original error unchanged.
//
// Marking an error with a kind it already has returns the error unchanged.
//
// Example usage for adapting driver errors:
//
//	if errors.Is(err, driver.ErrBadConn) {
//	    return shared.MarkKind(err, shared.KindConnectionUnavailable)
//	}
func MarkKind(err error, kind Kind) error {
	if err == nil {
		return SentinelOf(kind)
	}
	if kind == KindUnknown {
		return err
	}

	sentinel := SentinelOf(kind)
	if sentinel == nil {
		return err
	}
	if errors.Is(err, sentinel) {
		return err
	}

	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap wraps an error with additional context.
// It returns a new error that formats as "context: err".
// If err is nil, Wrap returns nil.
// If context is empty, returns the original error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
// If err is nil, Wrapf returns nil.
// If formatted context is empty, returns the original error.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(format, args...)
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Invariant checks a condition and returns a validation error if it's false.
func Invariant(condition bool, message string) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, message)
}

// InvariantF checks a condition and returns a formatted validation error if it's false.
func InvariantF(condition bool, format string, args ...interface{}) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsCancelled reports whether the error indicates a cancelled submission or context.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded, net.Error timeouts, and our ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsRetryable reports whether a failure is transient from the caller's point of view.
// The core never retries statements itself; callers use this to drive their own backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnectionUnavailable, KindPoolExhausted, KindTimeout:
		return true
	default:
		return false
	}
}

// Cause returns the underlying cause of the error by repeatedly unwrapping it.
// For errors.Join, returns the first root cause found in breadth-first order.
// If the error doesn't wrap anything, it returns the error itself.
// If err is nil, Cause returns nil.
func Cause(err error) error {
	if err == nil {
		return nil
	}

	all := UnwrapAll(err)
	for i := len(all) - 1; i >= 0; i-- {
		candidate := all[i]

		hasNested := false
		if unwrapper, ok := candidate.(interface{ Unwrap() []error }); ok {
			hasNested = len(unwrapper.Unwrap()) > 0
		} else {
			hasNested = errors.Unwrap(candidate) != nil
		}

		if !hasNested {
			return candidate
		}
	}

	return err
}

// UnwrapAll returns all errors in the error chain, from outermost to innermost.
// For errors created with errors.Join, this flattens the entire error graph.
// If err is nil, returns nil slice.
func UnwrapAll(err error) []error {
	if err == nil {
		return nil
	}

	var result []error
	seen := make(map[error]bool)
	queue := []error{err}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)

		if unwrapper, ok := current.(interface{ Unwrap() []error }); ok {
			queue = append(queue, unwrapper.Unwrap()...)
		} else if nested := errors.Unwrap(current); nested != nil {
			queue = append(queue, nested)
		}
	}

	return result
}
