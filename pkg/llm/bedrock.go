package llm

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/reflexio/reflexio/internal/errors"
)

// BedrockProvider is the secondary/fallback LLM provider (§11), used when
// a primary call fails or the primary's circuit breaker is open.
type BedrockProvider struct {
	client *bedrockruntime.Client
}

func NewBedrockProvider(ctx context.Context, region string) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLLM, "load AWS config for bedrock provider")
	}
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var messages []types.Message
	var systemBlocks []types.SystemContentBlock
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			systemBlocks = append(systemBlocks, &types.SystemContentBlockMemberText{Value: m.Content})
		case RoleUser:
			messages = append(messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case RoleAssistant:
			messages = append(messages, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}

	maxTokens := int32(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
		System:   systemBlocks,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(maxTokens),
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLLM, "bedrock converse failed")
	}

	var text string
	if output, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range output.Value.Content {
			if textBlock, ok := block.(*types.ContentBlockMemberText); ok {
				text += textBlock.Value
			}
		}
	}

	resp := &GenerateResponse{Content: text, Provider: p.Name()}
	if req.ResponseSchema != nil {
		var structured map[string]interface{}
		if err := json.Unmarshal([]byte(text), &structured); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeLLM, "bedrock response did not match schema %s", req.ResponseSchema.SchemaName())
		}
		resp.StructuredContent = structured
	}
	return resp, nil
}

var _ Provider = (*BedrockProvider)(nil)
