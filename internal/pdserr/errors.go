// Package pdserr defines the typed error kinds used throughout the
// repository and sync engine. Callers wrap a sentinel or a
// lower-level error with New/Wrap and branch on Kind with errors.As.
package pdserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers deciding whether to retry,
// surface to the client, or log and move on.
type Kind string

const (
	// KindInvalidInput is a malformed request: bad key, oversize
	// payload, bad cursor syntax. Surfaced to the caller, never retried.
	KindInvalidInput Kind = "InvalidInput"
	// KindNotFound means a repo, record, or block does not exist.
	KindNotFound Kind = "NotFound"
	// KindConflict is KeyExists on create, or a detected concurrent
	// write. Surfaced; caller may retry.
	KindConflict Kind = "Conflict"
	// KindIntegrity is a CID mismatch, bad signature, or MST
	// canonicalization violation. Fatal for the operation; never
	// silently ignored.
	KindIntegrity Kind = "IntegrityError"
	// KindTransient is a storage timeout or sequencer contention.
	// Nothing in this module retries it; it is surfaced to the caller
	// as-is.
	KindTransient Kind = "Transient"
	// KindCursorOutOfRange covers OutdatedCursor/FutureCursor on
	// subscribeRepos.
	KindCursorOutOfRange Kind = "CursorOutOfRange"
	// KindConsumerTooSlow is a subscriber backpressure breach.
	KindConsumerTooSlow Kind = "ConsumerTooSlow"
)

// Error wraps an underlying cause with a Kind and a stable Code used
// in wire error frames (e.g. "OutdatedCursor", "FutureCursor").
type Error struct {
	Kind Kind
	Code string // optional, more specific than Kind (e.g. "KeyExists")
	Op   string // "package: operation"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-classified error.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Err: errors.New(msg)}
}

// Wrap classifies an existing error under kind.
func Wrap(op string, kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// WithCode attaches a wire-level error code (e.g. "KeyExists",
// "OutdatedCursor") to a Kind-classified error.
func WithCode(op string, kind Kind, code, msg string) *Error {
	return &Error{Op: op, Kind: kind, Code: code, Err: errors.New(msg)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// CodeOf returns the wire-level code for err, or "" if it carries none.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Sentinel errors for conditions checked with errors.Is across
// package boundaries (mirrors account.ErrNotFound's style).
var (
	ErrKeyExists   = errors.New("pdserr: key exists")
	ErrKeyNotFound = errors.New("pdserr: key not found")
	ErrInvalidKey  = errors.New("pdserr: invalid key")
	ErrNoRepo      = errors.New("pdserr: no repository")
)
