package producer

import (
	"context"
	"errors"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicProducer streams fragments from the Anthropic Messages API.
type AnthropicProducer struct {
	client *anthropic.Client
}

// NewAnthropicProducer creates an Anthropic-backed producer.
func NewAnthropicProducer(apiKey string) (*AnthropicProducer, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	return &AnthropicProducer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name returns the provider name.
func (p *AnthropicProducer) Name() string {
	return "anthropic"
}

// Stream starts a streaming generation.
func (p *AnthropicProducer) Stream(ctx context.Context, req GenerationRequest) (FragmentStream, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages: anthropic.F([]anthropic.MessageParam{{
			Role: anthropic.F(anthropic.MessageParamRoleUser),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(req.Prompt),
				},
			}),
		}}),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(req.System),
		}})
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream}, nil
}

type anthropicStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEvent]
	content string
	usage   Usage
	done    bool
}

// Recv pulls the next text fragment from the event stream. SDK events
// that carry no text (message_start, content_block_start, pings) are
// skipped; the terminal message_delta becomes the finish fragment.
func (s *anthropicStream) Recv() (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}

	for s.stream.Next() {
		event := s.stream.Current()

		switch event.Type {
		case anthropic.MessageStreamEventTypeContentBlockDelta:
			delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
			if !ok || delta.Type != "text_delta" {
				continue
			}
			s.content += delta.Text
			return Fragment{
				Content: s.content,
				Delta:   delta.Text,
			}, nil

		case anthropic.MessageStreamEventTypeMessageStart:
			s.usage.TokensIn = int(event.Message.Usage.InputTokens)

		case anthropic.MessageStreamEventTypeMessageDelta:
			s.usage.TokensOut = int(event.Usage.OutputTokens)
			s.done = true
			usage := s.usage
			var stopReason string
			if delta, ok := event.Delta.(anthropic.MessageDeltaEventDelta); ok {
				stopReason = string(delta.StopReason)
			}
			return Fragment{
				Content:      s.content,
				FinishReason: stopReason,
				Usage:        &usage,
			}, nil
		}
	}

	if err := s.stream.Err(); err != nil {
		return Fragment{}, err
	}
	s.done = true
	return Fragment{}, io.EOF
}

// Close releases the underlying SSE stream.
func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
