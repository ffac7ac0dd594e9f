package llm

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider calls the Gemini API through the Gen AI SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// GeminiConfig configures GeminiProvider.
type GeminiConfig struct {
	APIKey string
	Model  string
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", Kind: Permanent, Err: err}
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) build(req Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	config := &genai.GenerateContentConfig{Temperature: genai.Ptr(float32(req.Temperature))}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}

	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: string(genai.RoleModel), Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	return model, contents, config
}

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model, contents, config := p.build(req)
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, p.wrap(err)
	}
	return p.parse(model, resp)
}

func (p *GeminiProvider) parse(model string, resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Kind: Transient, Err: errors.New("no candidates in response")}
	}
	out := &Response{
		Content:      candidateText(resp.Candidates[0]),
		FinishReason: finishReason(resp.Candidates[0].FinishReason),
		Model:        model,
		Provider:     p.Name(),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range c.Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func finishReason(r genai.FinishReason) string {
	if r == "" || r == genai.FinishReasonStop {
		return "stop"
	}
	return strings.ToLower(string(r))
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	model, contents, config := p.build(req)
	streamCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan geminiChunk, 8)

	go func() {
		defer close(chunks)
		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, model, contents, config) {
			var c geminiChunk
			if err != nil {
				c.err = p.wrap(err)
			} else if len(resp.Candidates) > 0 {
				c.chunk = Chunk{Delta: candidateText(resp.Candidates[0])}
				if resp.Candidates[0].FinishReason != "" {
					c.chunk.FinishReason = finishReason(resp.Candidates[0].FinishReason)
				}
			}
			select {
			case chunks <- c:
			case <-streamCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return &geminiStream{chunks: chunks, cancel: cancel}, nil
}

type geminiChunk struct {
	chunk Chunk
	err   error
}

type geminiStream struct {
	chunks <-chan geminiChunk
	cancel context.CancelFunc
}

func (s *geminiStream) Recv() (Chunk, error) {
	c, ok := <-s.chunks
	if !ok {
		return Chunk{FinishReason: "stop"}, io.EOF
	}
	return c.chunk, c.err
}

func (s *geminiStream) Close() error {
	s.cancel()
	for range s.chunks {
	}
	return nil
}

func (p *GeminiProvider) wrap(err error) error {
	return &ProviderError{Provider: p.Name(), Kind: kindForMessage(err), Err: err}
}
