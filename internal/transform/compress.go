// Package transform implements the byte pipeline applied to buffered
// chunks at flush time: compression followed by authenticated
// encryption on write, the reverse on read.
package transform

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a compression algorithm. The numeric values are
// stored in encoded payload headers; changing them breaks decoding of
// historical batches.
type Algorithm uint8

const (
	AlgorithmNone Algorithm = 0
	AlgorithmGzip Algorithm = 1
	AlgorithmZstd Algorithm = 2
	AlgorithmLZ4  Algorithm = 3
	AlgorithmS2   Algorithm = 4
)

// String returns the configuration name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmGzip:
		return "gzip"
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmS2:
		return "s2"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses a configuration name into an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none":
		return AlgorithmNone, nil
	case "gzip":
		return AlgorithmGzip, nil
	case "zstd":
		return AlgorithmZstd, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "s2":
		return AlgorithmS2, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// ErrIncompressible is returned by compressRaw when the compressed
// output would not be smaller than the input. Encode handles it by
// falling back to the none tag.
var ErrIncompressible = errors.New("transform: data is incompressible")

// Compressor is the compression strategy: Encode produces a
// self-describing payload (algorithm tag + original size + compressed
// bytes) and Decode accepts any payload a Compressor ever produced,
// regardless of which algorithm was chosen at the time.
type Compressor interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
	// Name reports the algorithm the strategy prefers for new data.
	Name() string
}

// zstd encoder/decoder are shared across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transform: zstd encoder init: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transform: zstd decoder init: " + err.Error())
	}
}

// FixedCompressor always compresses with one algorithm, falling back
// to the none tag for incompressible data.
type FixedCompressor struct {
	algorithm Algorithm
}

// NewCompressor returns a compressor pinned to the given algorithm.
func NewCompressor(algorithm Algorithm) *FixedCompressor {
	return &FixedCompressor{algorithm: algorithm}
}

// Name returns the preferred algorithm name.
func (c *FixedCompressor) Name() string {
	return c.algorithm.String()
}

// Encode compresses data with the pinned algorithm.
func (c *FixedCompressor) Encode(data []byte) ([]byte, error) {
	return encodeWith(data, c.algorithm)
}

// Decode decompresses any payload produced by Encode, for every
// supported algorithm.
func (c *FixedCompressor) Decode(data []byte) ([]byte, error) {
	return decode(data)
}

// encodeWith compresses data and prepends the self-describing header:
// 1 byte algorithm tag, uvarint original length, payload. If the
// algorithm cannot shrink the data the none tag is used instead.
func encodeWith(data []byte, algorithm Algorithm) ([]byte, error) {
	compressed, err := compressRaw(data, algorithm)
	if errors.Is(err, ErrIncompressible) {
		algorithm = AlgorithmNone
		compressed = data
	} else if err != nil {
		return nil, err
	}

	header := make([]byte, 1+binary.MaxVarintLen64)
	header[0] = byte(algorithm)
	n := binary.PutUvarint(header[1:], uint64(len(data)))

	out := make([]byte, 0, 1+n+len(compressed))
	out = append(out, header[:1+n]...)
	return append(out, compressed...), nil
}

func decode(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, errors.New("transform: compressed payload too short")
	}
	algorithm := Algorithm(data[0])
	originalSize, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return nil, errors.New("transform: malformed compressed payload header")
	}
	body := data[1+n:]

	result, err := decompressRaw(body, algorithm, int(originalSize))
	if err != nil {
		return nil, err
	}
	if len(result) != int(originalSize) {
		return nil, fmt.Errorf("transform: decompressed %d bytes, expected %d", len(result), originalSize)
	}
	return result, nil
}

func compressRaw(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmNone:
		return data, nil

	case AlgorithmGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if buf.Len() >= len(data) {
			return nil, ErrIncompressible
		}
		return buf.Bytes(), nil

	case AlgorithmZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, ErrIncompressible
		}
		return compressed, nil

	case AlgorithmLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dst := make([]byte, bound)
		written, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, ErrIncompressible
		}
		return dst[:written], nil

	case AlgorithmS2:
		compressed := s2.Encode(nil, data)
		if len(compressed) >= len(data) {
			return nil, ErrIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algorithm)
	}
}

func decompressRaw(compressed []byte, algorithm Algorithm, originalSize int) ([]byte, error) {
	switch algorithm {
	case AlgorithmNone:
		return compressed, nil

	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		result, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return result, nil

	case AlgorithmZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, originalSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return result, nil

	case AlgorithmLZ4:
		dst := make([]byte, originalSize)
		read, err := lz4.UncompressBlock(compressed, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return dst[:read], nil

	case AlgorithmS2:
		result, err := s2.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("s2 decompress: %w", err)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algorithm)
	}
}
