package producer

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4o

// OpenAIProducer streams fragments from the OpenAI chat completions API.
type OpenAIProducer struct {
	client *openai.Client
}

// NewOpenAIProducer creates an OpenAI-backed producer.
func NewOpenAIProducer(apiKey string) (*OpenAIProducer, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	return &OpenAIProducer{client: openai.NewClient(apiKey)}, nil
}

// Name returns the provider name.
func (p *OpenAIProducer) Name() string {
	return "openai"
}

// Stream starts a streaming chat completion.
func (p *OpenAIProducer) Stream(ctx context.Context, req GenerationRequest) (FragmentStream, error) {
	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}

	return &openaiStream{stream: stream}, nil
}

type openaiStream struct {
	stream  *openai.ChatCompletionStream
	content string
	done    bool
}

// Recv pulls the next delta from the completion stream. The fragment
// carrying the finish reason is the terminal one; the SDK's own io.EOF
// follows on the next call.
func (s *openaiStream) Recv() (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}

	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return Fragment{}, io.EOF
		}
		if err != nil {
			return Fragment{}, err
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		s.content += choice.Delta.Content

		fragment := Fragment{
			Content: s.content,
			Delta:   choice.Delta.Content,
		}
		if choice.FinishReason != "" {
			s.done = true
			fragment.FinishReason = string(choice.FinishReason)
		}
		return fragment, nil
	}
}

// Close releases the underlying HTTP stream.
func (s *openaiStream) Close() error {
	return s.stream.Close()
}
