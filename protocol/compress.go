package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a frame body is compressed. The value lives in
// the low nibble of the encoding byte.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1 // LZ4 block mode, cheap on CPU
	CompressionZstd Compression = 2 // zstd default level, better ratio for text-like payloads
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

func (c Compression) valid() bool {
	return c <= CompressionZstd
}

// ParseCompression maps a config name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var errIncompressible = errors.New("body is incompressible")

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
}

// compress returns [4 uncompressed size][compressed bytes], or
// errIncompressible when that would not be smaller than body.
func compress(body []byte, c Compression) ([]byte, error) {
	var packed []byte
	switch c {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return nil, errIncompressible
		}
		packed = dst[:n]
	case CompressionZstd:
		packed = zstdEncoder.EncodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
	if 4+len(packed) >= len(body) {
		return nil, errIncompressible
	}
	out := make([]byte, 4, 4+len(packed))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, packed...), nil
}

func decompress(body []byte, c Compression, maxSize int) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%s body too short for size prefix", c)
	}
	size := binary.BigEndian.Uint32(body[:4])
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%s body claims %d bytes, limit %d", c, size, maxSize)
	}
	packed := body[4:]

	switch c {
	case CompressionLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(packed, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != int(size) {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case CompressionZstd:
		return unzstd(packed, size)
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}

// unzstd inflates packed into exactly size bytes. The output never grows
// past size and the declared window may be at most twice size, so a small
// frame cannot force a large allocation.
func unzstd(packed []byte, size uint32) ([]byte, error) {
	window := min(max(2*uint64(size), zstd.MinWindowSize), zstd.MaxWindowSize)
	dec, err := zstd.NewReader(bytes.NewReader(packed),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxWindow(window),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	defer dec.Close()

	dst := make([]byte, size)
	if _, err := io.ReadFull(dec, dst); err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var extra [1]byte
	switch _, err := io.ReadFull(dec, extra[:]); {
	case err == nil:
		return nil, fmt.Errorf("zstd decompress: more than %d bytes", size)
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return dst, nil
}
