package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIProvider calls the OpenAI chat completions API, or any compatible
// endpoint when BaseURL is set.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// OpenAIConfig configures OpenAIProvider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) request(req Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return out
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	oreq := p.request(req)
	resp, err := p.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, p.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Kind: Transient, Err: errors.New("no choices in response")}
	}
	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
		Provider:     p.Name(),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	oreq := p.request(req)
	oreq.Stream = true
	stream, err := p.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, p.wrap(err)
	}
	return &openaiStream{stream: stream, provider: p}, nil
}

func (p *OpenAIProvider) wrap(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.Name(), Kind: KindForStatus(apiErr.HTTPStatusCode), StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: p.Name(), Kind: KindForStatus(reqErr.HTTPStatusCode), StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &ProviderError{Provider: p.Name(), Kind: kindForMessage(err), Err: err}
}

type openaiStream struct {
	stream   *openai.ChatCompletionStream
	provider *OpenAIProvider
}

func (s *openaiStream) Recv() (Chunk, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return Chunk{FinishReason: "stop"}, io.EOF
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("openai stream: %w", s.provider.wrap(err))
	}
	if len(resp.Choices) == 0 {
		return Chunk{}, nil
	}
	c := resp.Choices[0]
	return Chunk{Delta: c.Delta.Content, FinishReason: string(c.FinishReason)}, nil
}

func (s *openaiStream) Close() error { return s.stream.Close() }
