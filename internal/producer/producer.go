// Package producer defines the upstream fragment producer interface
// and its provider adapters.
package producer

import (
	"context"
)

// Usage reports token accounting from the upstream provider, when the
// provider supplies it.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Fragment is one unit of upstream generation output. Delta is the new
// text in this fragment; Content is the accumulated text so far.
// FinishReason is empty until the terminal fragment.
type Fragment struct {
	Content      string `json:"content"`
	Delta        string `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Terminal reports whether the fragment carries a finish reason.
func (f Fragment) Terminal() bool {
	return f.FinishReason != ""
}

// FragmentStream is a lazily-pulled sequence of fragments. Recv blocks
// until the next fragment, io.EOF after the terminal fragment, or an
// error. Close releases the upstream iterator and is safe to call
// before the stream is exhausted (early termination).
type FragmentStream interface {
	Recv() (Fragment, error)
	Close() error
}

// GenerationRequest describes one generation to stream.
type GenerationRequest struct {
	Model     string
	Prompt    string
	System    string
	MaxTokens int
}

// Producer opens fragment streams against an upstream provider.
type Producer interface {
	// Stream starts a generation. The returned stream honors ctx:
	// cancelling it terminates the upstream iteration.
	Stream(ctx context.Context, req GenerationRequest) (FragmentStream, error)

	// Name returns the provider name.
	Name() string
}
