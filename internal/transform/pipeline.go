package transform

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Result is the outcome of pushing one payload through the pipeline.
type Result struct {
	Payload []byte
	// Compression is the algorithm tag actually applied ("none" when
	// compression was disabled or the data was incompressible).
	Compression string
	// KeyEpoch is the key epoch that sealed the payload; meaningful
	// only when the pipeline encrypts.
	KeyEpoch uint32
	// Checksum is the hex BLAKE3 digest of the original payload.
	Checksum string
}

// Pipeline composes the compression and encryption strategies in the
// fixed order compress-then-encrypt on write and decrypt-then-decompress
// on read. Compressing ciphertext is wasted work, so the order is not
// configurable.
type Pipeline struct {
	compressor  Compressor
	encryptor   *Encryptor
	compression bool
	encryption  bool
}

// NewPipeline builds a pipeline. A nil compressor or encryptor disables
// that stage regardless of the flags.
func NewPipeline(compressor Compressor, encryptor *Encryptor, compression, encryption bool) *Pipeline {
	return &Pipeline{
		compressor:  compressor,
		encryptor:   encryptor,
		compression: compression && compressor != nil,
		encryption:  encryption && encryptor != nil,
	}
}

// CompressionEnabled reports whether the compress stage is active.
func (p *Pipeline) CompressionEnabled() bool { return p.compression }

// EncryptionEnabled reports whether the encrypt stage is active.
func (p *Pipeline) EncryptionEnabled() bool { return p.encryption }

// Encode pushes a payload through the write-side pipeline.
func (p *Pipeline) Encode(payload []byte) (Result, error) {
	return p.EncodeFor(payload, true)
}

// EncodeFor is Encode with a per-call compression override: a
// connection that opted out of compression still flows through the
// encrypt stage.
func (p *Pipeline) EncodeFor(payload []byte, compress bool) (Result, error) {
	result := Result{
		Payload:     payload,
		Compression: AlgorithmNone.String(),
		Checksum:    Checksum(payload),
	}

	// When the compress stage is active, every stored payload must
	// carry the self-describing header, including the opt-out and
	// failure paths: Decode always runs the decompress step and would
	// misread a bare payload's first byte as an algorithm tag.
	if p.compression {
		var encoded []byte
		var err error
		if compress {
			encoded, err = p.compressor.Encode(payload)
		}
		if !compress || err != nil {
			// Per-connection opt-out, or compression failure, which
			// is non-fatal: frame the raw payload under the none tag.
			encoded, err = encodeWith(payload, AlgorithmNone)
			if err != nil {
				return Result{}, fmt.Errorf("transform: frame: %w", err)
			}
		}
		result.Payload = encoded
		// The header tag, not the strategy name, records what was
		// actually applied (incompressible data falls back to the
		// none tag).
		result.Compression = Algorithm(encoded[0]).String()
	}

	if p.encryption {
		sealed, epoch, err := p.encryptor.Encode(result.Payload)
		if err != nil {
			return Result{}, fmt.Errorf("transform: encrypt: %w", err)
		}
		result.Payload = sealed
		result.KeyEpoch = epoch
	}

	return result, nil
}

// Decode reverses Encode: decrypt (under the recorded epoch), then
// decompress. The compression header inside the plaintext names the
// algorithm, so no external compression metadata is needed.
func (p *Pipeline) Decode(payload []byte, keyEpoch uint32) ([]byte, error) {
	data := payload

	if p.encryption {
		plaintext, err := p.encryptor.Decode(data, keyEpoch)
		if err != nil {
			return nil, err
		}
		data = plaintext
	}

	if p.compression {
		decompressed, err := p.compressor.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("transform: decompress: %w", err)
		}
		data = decompressed
	}

	return data, nil
}

// Checksum returns the hex BLAKE3 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
