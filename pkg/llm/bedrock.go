package llm

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const defaultBedrockModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

// ConverseAPI is the subset of the Bedrock runtime client used here.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider calls the Bedrock Converse API.
type BedrockProvider struct {
	client ConverseAPI
	model  string
}

// BedrockConfig configures BedrockProvider. Credentials come from the
// default AWS chain.
type BedrockConfig struct {
	Region string
	Model  string
}

func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &ProviderError{Provider: "bedrock", Kind: Permanent, Err: err}
	}
	return NewBedrockProviderFromClient(bedrockruntime.NewFromConfig(awsCfg), cfg.Model), nil
}

// NewBedrockProviderFromClient wraps an existing client.
func NewBedrockProviderFromClient(client ConverseAPI, model string) *BedrockProvider {
	if model == "" {
		model = defaultBedrockModel
	}
	return &BedrockProvider{client: client, model: model}
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) input(req Request) *bedrockruntime.ConverseInput {
	model := req.Model
	if model == "" {
		model = p.model
	}
	in := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		InferenceConfig: &types.InferenceConfiguration{Temperature: aws.Float32(float32(req.Temperature))},
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		in.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			in.System = append(in.System, &types.SystemContentBlockMemberText{Value: m.Content})
		case RoleAssistant:
			in.Messages = append(in.Messages, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			in.Messages = append(in.Messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	return in
}

func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	in := p.input(req)
	out, err := p.client.Converse(ctx, in)
	if err != nil {
		return nil, p.wrap(err)
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, &ProviderError{Provider: p.Name(), Kind: Permanent, Err: errors.New("unexpected converse output")}
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	resp := &Response{
		Content:      b.String(),
		FinishReason: strings.ToLower(string(out.StopReason)),
		Model:        aws.ToString(in.ModelId),
		Provider:     p.Name(),
	}
	if u := out.Usage; u != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	return resp, nil
}

// Stream completes the request and yields it as a single chunk.
func (p *BedrockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return StreamOf(resp), nil
}

func (p *BedrockProvider) wrap(err error) error {
	var (
		throttled   *types.ThrottlingException
		unavailable *types.ServiceUnavailableException
		internal    *types.InternalServerException
		timeout     *types.ModelTimeoutException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &unavailable), errors.As(err, &internal), errors.As(err, &timeout):
		return &ProviderError{Provider: p.Name(), Kind: Transient, Err: err}
	}
	var (
		denied     *types.AccessDeniedException
		validation *types.ValidationException
		notFound   *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &denied), errors.As(err, &validation), errors.As(err, &notFound):
		return &ProviderError{Provider: p.Name(), Kind: Permanent, Err: err}
	}
	return &ProviderError{Provider: p.Name(), Kind: kindForMessage(err), Err: err}
}
