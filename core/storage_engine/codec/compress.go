package codec

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Precompressed carries payload bytes the caller already compressed with the
// column's codec. Size is the uncompressed length. It is stored as is.
type Precompressed struct {
	Data []byte
	Size int
}

// compress returns the stored form of raw. The raw bytes are kept whenever
// compression does not make them strictly shorter, so a payload as long as
// its recorded size is always raw.
func compress(c Compression, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var out []byte
	switch c {
	case CompressionNone:
		return raw, nil
	case CompressionSnappy:
		out = snappy.Encode(nil, raw)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return raw, nil
		}
		out = buf[:n]
	default:
		return nil, fmt.Errorf("%w: compression %v", ErrInvalidSchema, c)
	}
	if len(out) >= len(raw) {
		return raw, nil
	}
	return out, nil
}

func decompress(c Compression, payload []byte, size int) ([]byte, error) {
	if len(payload) == size {
		return payload, nil
	}
	if len(payload) > size {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds recorded size %d", ErrMalformedField, len(payload), size)
	}
	switch c {
	case CompressionSnappy:
		n, err := snappy.DecodedLen(payload)
		if err != nil || n != size {
			return nil, fmt.Errorf("%w: snappy payload does not decode to %d bytes", ErrMalformedField, size)
		}
		out, err := snappy.Decode(make([]byte, size), payload)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrMalformedField, err)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil || n != size {
			return nil, fmt.Errorf("%w: lz4 payload does not decode to %d bytes", ErrMalformedField, size)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: compressed payload in a column without compression", ErrMalformedField)
}
