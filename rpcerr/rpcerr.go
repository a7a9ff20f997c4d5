// Package rpcerr defines the failure taxonomy shared by both sides of a proxy
// connection.
//
// Every failure that crosses the wire, or that the local runtime raises on
// behalf of a remote call, is an *Error carrying a Kind. Callers match kinds
// with errors.Is against the sentinel values:
//
//	if errors.Is(err, rpcerr.ErrNoSuchMethod) { ... }
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The numeric values are written on the wire.
type Kind uint8

const (
	UnknownReference       Kind = 1 // RemoteRef not in the registry: stale, released, or never existed
	NoSuchMethod           Kind = 2 // Method name not found on the resolved object
	ArityMismatch          Kind = 3 // Wrong argument count for the method
	RemoteExecutionFailure Kind = 4 // The invoked method itself failed; RemoteKind has its classification
	ConnectionLost         Kind = 5 // Transport closed or errored while a call was outstanding
	ProtocolViolation      Kind = 6 // Malformed or undecodable frame
	InvalidArgument        Kind = 7 // An argument could not be converted to the parameter type
	Timeout                Kind = 8 // Dispatch deadline or local call deadline exceeded
	Rejected               Kind = 9 // The Source refused the call (rate limited)
)

var kindNames = map[Kind]string{
	UnknownReference:       "UnknownReference",
	NoSuchMethod:           "NoSuchMethod",
	ArityMismatch:          "ArityMismatch",
	RemoteExecutionFailure: "RemoteExecutionFailure",
	ConnectionLost:         "ConnectionLost",
	ProtocolViolation:      "ProtocolViolation",
	InvalidArgument:        "InvalidArgument",
	Timeout:                "Timeout",
	Rejected:               "Rejected",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Error is a classified proxy failure.
type Error struct {
	Kind       Kind
	RemoteKind string // Callee's own classification, set for RemoteExecutionFailure
	Message    string
}

func (e *Error) Error() string {
	if e.RemoteKind != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.RemoteKind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is.
var (
	ErrUnknownReference       = &Error{Kind: UnknownReference}
	ErrNoSuchMethod           = &Error{Kind: NoSuchMethod}
	ErrArityMismatch          = &Error{Kind: ArityMismatch}
	ErrRemoteExecutionFailure = &Error{Kind: RemoteExecutionFailure}
	ErrConnectionLost         = &Error{Kind: ConnectionLost}
	ErrProtocolViolation      = &Error{Kind: ProtocolViolation}
	ErrInvalidArgument        = &Error{Kind: InvalidArgument}
	ErrTimeout                = &Error{Kind: Timeout}
	ErrRejected               = &Error{Kind: Rejected}
)

// KindOf returns the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Classifier is implemented by callee errors that name their own kind.
type Classifier interface {
	Kind() string
}

// FromCallee wraps an error returned by an invoked method.
func FromCallee(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		// A nested proxy failure keeps its own kind name as the classification.
		return &Error{Kind: RemoteExecutionFailure, RemoteKind: e.Kind.String(), Message: err.Error()}
	}
	remoteKind := fmt.Sprintf("%T", err)
	var c Classifier
	if errors.As(err, &c) {
		remoteKind = c.Kind()
	}
	return &Error{Kind: RemoteExecutionFailure, RemoteKind: remoteKind, Message: err.Error()}
}

// FromPanic wraps a recovered panic value from an invoked method.
func FromPanic(v any) *Error {
	return &Error{Kind: RemoteExecutionFailure, RemoteKind: "panic", Message: fmt.Sprint(v)}
}
