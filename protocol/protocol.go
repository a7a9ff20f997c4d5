// Package protocol implements the length-prefixed frame format shared by
// Source and Sink.
//
// The underlying channel is a plain byte stream, so every frame starts with
// its own length. The receiver reads the 4-byte length, then exactly that many
// bytes, and never has to guess where one frame ends.
//
// Frame format:
//
//	0         4    5                  13   14
//	┌─────────┬────┬──────────────────┬────┬───────────────┐
//	│ length  │type│  correlation id  │enc │   body ...    │
//	│ uint32  │    │      uint64      │    │               │
//	└─────────┴────┴──────────────────┴────┴───────────────┘
//
// length counts every byte after itself. enc carries the value codec in its
// high nibble and the body compression in its low nibble.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"mini-drb/rpcerr"
)

const (
	LengthSize int = 4
	HeaderSize int = 1 + 8 + 1 // type + correlation id + encoding, counted by length

	// DefaultMaxFrameSize bounds a single frame; larger lengths are
	// treated as a corrupt stream rather than allocated.
	DefaultMaxFrameSize = 64 * 1024 * 1024
)

// MsgType distinguishes the frames on a connection.
type MsgType byte

const (
	MsgTypeCall      MsgType = 1 // Sink → Source method invocation
	MsgTypeResponse  MsgType = 2 // Source → Sink result or failure
	MsgTypeRelease   MsgType = 3 // Sink → Source stub dropped, no response
	MsgTypeHeartbeat MsgType = 4 // KeepAlive probe (no body)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeCall:
		return "CALL"
	case MsgTypeResponse:
		return "RESPONSE"
	case MsgTypeRelease:
		return "RELEASE"
	case MsgTypeHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

func (t MsgType) valid() bool {
	return t >= MsgTypeCall && t <= MsgTypeHeartbeat
}

// Codec type constants, mirrored from the codec package to keep this
// package free of value-level concerns.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 1
)

// Header describes one frame. Seq is zero for RELEASE and HEARTBEAT.
type Header struct {
	MsgType     MsgType
	Seq         uint64
	CodecType   byte
	Compression Compression
}

func (h *Header) encoding() byte {
	return h.CodecType<<4 | byte(h.Compression)&0x0f
}

// Encode writes a complete frame (header + body) to w in a single Write call.
// The caller must hold a write lock if multiple goroutines share the same
// writer; otherwise frames from different calls could interleave.
//
// If h.Compression is not CompressionNone the body is compressed first;
// incompressible bodies are sent raw and h.Compression is reset to match.
func Encode(w io.Writer, h *Header, body []byte) error {
	if h.Compression != CompressionNone && len(body) > 0 {
		packed, err := compress(body, h.Compression)
		if err != nil {
			h.Compression = CompressionNone
		} else {
			body = packed
		}
	} else {
		h.Compression = CompressionNone
	}

	buf := make([]byte, LengthSize+HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(body)))
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint64(buf[5:13], h.Seq)
	buf[13] = h.encoding()
	copy(buf[14:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r and returns its header and decompressed body.
// I/O failures are returned as-is; structurally invalid frames are returned
// as ProtocolViolation. maxSize <= 0 selects DefaultMaxFrameSize.
func Decode(r io.Reader, maxSize int) (*Header, []byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var lenBuf [LengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < uint32(HeaderSize) {
		return nil, nil, rpcerr.New(rpcerr.ProtocolViolation, "frame length %d shorter than header", length)
	}
	if uint64(length) > uint64(maxSize) {
		return nil, nil, rpcerr.New(rpcerr.ProtocolViolation, "frame length %d exceeds limit %d", length, maxSize)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, nil, err
	}

	h := &Header{
		MsgType:     MsgType(frame[0]),
		Seq:         binary.BigEndian.Uint64(frame[1:9]),
		CodecType:   frame[9] >> 4,
		Compression: Compression(frame[9] & 0x0f),
	}
	if !h.MsgType.valid() {
		return nil, nil, rpcerr.New(rpcerr.ProtocolViolation, "unsupported message type: %d", frame[0])
	}
	if h.CodecType != CodecTypeJSON && h.CodecType != CodecTypeCBOR {
		return nil, nil, rpcerr.New(rpcerr.ProtocolViolation, "unsupported codec type: %d", h.CodecType)
	}
	if !h.Compression.valid() {
		return nil, nil, rpcerr.New(rpcerr.ProtocolViolation, "unsupported compression: %d", h.Compression)
	}

	body := frame[HeaderSize:]
	if h.Compression != CompressionNone {
		var err error
		if body, err = decompress(body, h.Compression, maxSize); err != nil {
			return nil, nil, rpcerr.New(rpcerr.ProtocolViolation, "%v", err)
		}
	}
	return h, body, nil
}
