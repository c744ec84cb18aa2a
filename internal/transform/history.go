package transform

import (
	"sync"
	"time"
)

// History records per-algorithm compression outcomes bucketed by payload
// size, so an adaptive compressor can bias future algorithm selection.
// It is a plain stats container, deliberately separate from the
// compress/decompress functions, and safe for concurrent use.
type History struct {
	mu      sync.Mutex
	buckets map[int]map[Algorithm]*algorithmScore
}

type algorithmScore struct {
	samples    int64
	totalRatio float64 // original/compressed, summed
	totalNsPB  float64 // nanoseconds per input byte, summed
}

// NewHistory returns an empty selection history.
func NewHistory() *History {
	return &History{buckets: make(map[int]map[Algorithm]*algorithmScore)}
}

// sizeBucket maps a payload size to a power-of-two bucket index.
func sizeBucket(size int) int {
	bucket := 0
	for size > 256 {
		size >>= 1
		bucket++
	}
	return bucket
}

// Observe records one compression outcome.
func (h *History) Observe(size int, algorithm Algorithm, compressedSize int, elapsed time.Duration) {
	if size == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	bucket := sizeBucket(size)
	scores, ok := h.buckets[bucket]
	if !ok {
		scores = make(map[Algorithm]*algorithmScore)
		h.buckets[bucket] = scores
	}
	score, ok := scores[algorithm]
	if !ok {
		score = &algorithmScore{}
		scores[algorithm] = score
	}
	score.samples++
	score.totalRatio += float64(size) / float64(max(compressedSize, 1))
	score.totalNsPB += float64(elapsed.Nanoseconds()) / float64(size)
}

// Sampled reports whether the algorithm has been tried for payloads in
// the same size bucket.
func (h *History) Sampled(size int, algorithm Algorithm) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	scores, ok := h.buckets[sizeBucket(size)]
	if !ok {
		return false
	}
	_, ok = scores[algorithm]
	return ok
}

// Best returns the algorithm with the highest score for the payload's
// size bucket, or ok=false when nothing has been sampled yet. The score
// rewards compression ratio and penalizes cost: ratio / (1 + ns-per-byte).
func (h *History) Best(size int) (Algorithm, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	scores, ok := h.buckets[sizeBucket(size)]
	if !ok || len(scores) == 0 {
		return AlgorithmNone, false
	}

	var best Algorithm
	bestScore := -1.0
	for algorithm, s := range scores {
		if s.samples == 0 {
			continue
		}
		ratio := s.totalRatio / float64(s.samples)
		nsPerByte := s.totalNsPB / float64(s.samples)
		score := ratio / (1 + nsPerByte/1000)
		if score > bestScore {
			bestScore = score
			best = algorithm
		}
	}
	if bestScore < 0 {
		return AlgorithmNone, false
	}
	return best, true
}

// AdaptiveCompressor samples each candidate algorithm once per payload
// size bucket, then keeps choosing the bucket's best performer. Decode
// is identical to FixedCompressor's: the payload header names the
// algorithm that was used.
type AdaptiveCompressor struct {
	candidates []Algorithm
	history    *History
}

// NewAdaptiveCompressor returns an adaptive compressor over the given
// candidates, recording outcomes in history. With no candidates it
// defaults to zstd, lz4 and s2.
func NewAdaptiveCompressor(history *History, candidates ...Algorithm) *AdaptiveCompressor {
	if len(candidates) == 0 {
		candidates = []Algorithm{AlgorithmZstd, AlgorithmLZ4, AlgorithmS2}
	}
	return &AdaptiveCompressor{candidates: candidates, history: history}
}

// Name reports the adaptive strategy.
func (c *AdaptiveCompressor) Name() string {
	return "adaptive"
}

// Encode picks an algorithm (unsampled candidates first, then the
// history's best) and compresses with it.
func (c *AdaptiveCompressor) Encode(data []byte) ([]byte, error) {
	algorithm := c.pick(len(data))

	start := time.Now()
	out, err := encodeWith(data, algorithm)
	if err != nil {
		return nil, err
	}
	c.history.Observe(len(data), algorithm, len(out), time.Since(start))
	return out, nil
}

// Decode decompresses any historically produced payload.
func (c *AdaptiveCompressor) Decode(data []byte) ([]byte, error) {
	return decode(data)
}

func (c *AdaptiveCompressor) pick(size int) Algorithm {
	for _, candidate := range c.candidates {
		if !c.history.Sampled(size, candidate) {
			return candidate
		}
	}
	if best, ok := c.history.Best(size); ok {
		return best
	}
	return c.candidates[0]
}
