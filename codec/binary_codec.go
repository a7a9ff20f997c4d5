package codec

import (
	"encoding/binary"
	"math"

	"mini-drb/message"
	"mini-drb/rpcerr"
)

// Payload layouts (big-endian):
//
//	CALL:     [8 target][2 method len][method][2 arg count][value...]
//	RESPONSE: [1 outcome] then
//	            success: [value]
//	            failure: [1 kind][2 len][remote kind][4 len][message]
//	RELEASE:  [8 target][4 count]
//	value:    [1 tag] then nil: -, data: [4 len][bytes], ref: [8 ref]
//
// Any truncation, unknown tag or trailing byte is a ProtocolViolation.

// EncodeCall lays out a CallFrame payload. The Seq travels in the frame header.
func EncodeCall(f *message.CallFrame) ([]byte, error) {
	if len(f.Method) > math.MaxUint16 {
		return nil, rpcerr.New(rpcerr.ProtocolViolation, "method name too long: %d bytes", len(f.Method))
	}
	if len(f.Args) > math.MaxUint16 {
		return nil, rpcerr.New(rpcerr.ProtocolViolation, "too many arguments: %d", len(f.Args))
	}
	total := 8 + 2 + len(f.Method) + 2
	for _, v := range f.Args {
		total += valueSize(v)
	}
	buf := make([]byte, 0, total)

	buf = binary.BigEndian.AppendUint64(buf, uint64(f.Target))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Method)))
	buf = append(buf, f.Method...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Args)))
	for _, v := range f.Args {
		var err error
		if buf, err = appendValue(buf, v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeCall parses a CALL payload.
func DecodeCall(seq uint64, data []byte) (*message.CallFrame, error) {
	r := &reader{data: data}
	f := &message.CallFrame{Seq: seq}
	f.Target = message.RemoteRef(r.uint64())
	f.Method = string(r.bytes(int(r.uint16())))
	n := int(r.uint16())
	if r.err == nil && n > 0 {
		f.Args = make([]message.Value, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			f.Args = append(f.Args, r.value())
		}
	}
	if err := r.finish("call"); err != nil {
		return nil, err
	}
	return f, nil
}

// EncodeResponse lays out a ResponseFrame payload.
func EncodeResponse(f *message.ResponseFrame) ([]byte, error) {
	buf := []byte{byte(f.Outcome)}
	switch f.Outcome {
	case message.OutcomeSuccess:
		return appendValue(buf, f.Result)
	case message.OutcomeFailure:
		e := f.Err
		if e == nil {
			e = rpcerr.New(rpcerr.RemoteExecutionFailure, "unspecified failure")
		}
		if len(e.RemoteKind) > math.MaxUint16 {
			return nil, rpcerr.New(rpcerr.ProtocolViolation, "remote kind too long: %d bytes", len(e.RemoteKind))
		}
		buf = append(buf, byte(e.Kind))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.RemoteKind)))
		buf = append(buf, e.RemoteKind...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Message)))
		buf = append(buf, e.Message...)
		return buf, nil
	default:
		return nil, rpcerr.New(rpcerr.ProtocolViolation, "unknown outcome %d", f.Outcome)
	}
}

// DecodeResponse parses a RESPONSE payload.
func DecodeResponse(seq uint64, data []byte) (*message.ResponseFrame, error) {
	r := &reader{data: data}
	f := &message.ResponseFrame{Seq: seq, Outcome: message.Outcome(r.byte())}
	switch {
	case r.err != nil:
	case f.Outcome == message.OutcomeSuccess:
		f.Result = r.value()
	case f.Outcome == message.OutcomeFailure:
		kind := rpcerr.Kind(r.byte())
		remoteKind := string(r.bytes(int(r.uint16())))
		msg := string(r.bytes(int(r.uint32())))
		if r.err == nil && !kind.Valid() {
			r.fail("unknown failure kind %d", kind)
		}
		f.Err = &rpcerr.Error{Kind: kind, RemoteKind: remoteKind, Message: msg}
	default:
		r.fail("unknown outcome %d", f.Outcome)
	}
	if err := r.finish("response"); err != nil {
		return nil, err
	}
	return f, nil
}

// EncodeRelease lays out a ReleaseFrame payload.
func EncodeRelease(f *message.ReleaseFrame) []byte {
	buf := make([]byte, 0, 12)
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.Target))
	return binary.BigEndian.AppendUint32(buf, f.Count)
}

// DecodeRelease parses a RELEASE payload. A bare 8-byte payload releases one
// reference.
func DecodeRelease(data []byte) (*message.ReleaseFrame, error) {
	r := &reader{data: data}
	f := &message.ReleaseFrame{Target: message.RemoteRef(r.uint64()), Count: 1}
	if r.err == nil && len(r.data) > r.off {
		f.Count = r.uint32()
	}
	if err := r.finish("release"); err != nil {
		return nil, err
	}
	return f, nil
}

func valueSize(v message.Value) int {
	switch v.Tag {
	case message.TagData:
		return 1 + 4 + len(v.Data)
	case message.TagRef:
		return 1 + 8
	default:
		return 1
	}
}

func appendValue(buf []byte, v message.Value) ([]byte, error) {
	buf = append(buf, byte(v.Tag))
	switch v.Tag {
	case message.TagNil:
	case message.TagData:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Data)))
		buf = append(buf, v.Data...)
	case message.TagRef:
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.Ref))
	default:
		return nil, rpcerr.New(rpcerr.ProtocolViolation, "unknown value tag %d", v.Tag)
	}
	return buf, nil
}

// reader walks a payload and records the first failure; later reads return
// zero values so decoders can run straight through and check once.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = rpcerr.New(rpcerr.ProtocolViolation, format, args...)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.fail("truncated payload: need %d bytes at offset %d, have %d", n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// bytes copies n bytes so decoded frames never alias the read buffer.
func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) value() message.Value {
	tag := message.ValueTag(r.byte())
	if r.err != nil {
		return message.Value{}
	}
	switch tag {
	case message.TagNil:
		return message.Value{}
	case message.TagData:
		return message.DataValue(r.bytes(int(r.uint32())))
	case message.TagRef:
		return message.RefValue(message.RemoteRef(r.uint64()))
	default:
		r.fail("unknown value tag %d", tag)
		return message.Value{}
	}
}

func (r *reader) finish(what string) error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return rpcerr.New(rpcerr.ProtocolViolation, "%s payload has %d trailing bytes", what, len(r.data)-r.off)
	}
	return nil
}
