// Package message defines the frames exchanged between a Source and a Sink.
//
// A CallFrame asks the Source to run a method on one of its exported objects,
// a ResponseFrame answers it, and a ReleaseFrame tells the Source that the
// Sink dropped its stub for an object. The codec layer turns these into bytes
// and the protocol layer wraps those bytes in a length-prefixed frame.
package message

import (
	"fmt"

	"mini-drb/rpcerr"
)

// RemoteRef names one object exported by a Source. Zero is never allocated.
type RemoteRef uint64

func (r RemoteRef) String() string {
	return fmt.Sprintf("ref#%d", uint64(r))
}

// ValueTag says how a Value travels.
type ValueTag byte

const (
	TagNil  ValueTag = 0 // No value (void result or nil argument)
	TagData ValueTag = 1 // Codec-encoded bytes
	TagRef  ValueTag = 2 // Passed by reference as a RemoteRef
)

// Value is one argument or return value on the wire.
type Value struct {
	Tag  ValueTag
	Data []byte    // Set when Tag == TagData
	Ref  RemoteRef // Set when Tag == TagRef
}

// DataValue wraps codec-encoded bytes.
func DataValue(data []byte) Value { return Value{Tag: TagData, Data: data} }

// RefValue wraps a reference.
func RefValue(ref RemoteRef) Value { return Value{Tag: TagRef, Ref: ref} }

// CallFrame carries a single method invocation.
type CallFrame struct {
	Seq    uint64    // Correlation id, unique among outstanding calls on one connection
	Target RemoteRef // Object to invoke on
	Method string
	Args   []Value
	Codec  byte // Value codec of Data args, carried in the frame header
}

// Outcome tags a ResponseFrame.
type Outcome byte

const (
	OutcomeSuccess Outcome = 0
	OutcomeFailure Outcome = 1
)

// ResponseFrame answers the CallFrame with the same Seq.
//
//   - On success: Result holds the return value.
//   - On failure: Err holds the classified failure.
type ResponseFrame struct {
	Seq     uint64
	Outcome Outcome
	Result  Value
	Err     *rpcerr.Error
	Codec   byte // Value codec of a Data result, carried in the frame header
}

// Success builds a success response.
func Success(seq uint64, v Value) *ResponseFrame {
	return &ResponseFrame{Seq: seq, Outcome: OutcomeSuccess, Result: v}
}

// Failure builds a failure response.
func Failure(seq uint64, err *rpcerr.Error) *ResponseFrame {
	return &ResponseFrame{Seq: seq, Outcome: OutcomeFailure, Err: err}
}

// ReleaseFrame returns Count references to Target. No response is sent.
type ReleaseFrame struct {
	Target RemoteRef
	Count  uint32
}
