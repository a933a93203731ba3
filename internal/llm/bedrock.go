package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/rotisserie/eris"

	"github.com/physioclinic/ai-router/pkg/retry"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type BedrockClient struct {
	api         bedrockConverseAPI
	model       string
	temperature float32
	maxTokens   int
}

func NewBedrockClient(api bedrockConverseAPI, model string, temperature float32, maxTokens int) *BedrockClient {
	return &BedrockClient{api: api, model: model, temperature: temperature, maxTokens: maxTokens}
}

// NewBedrockClientFromRegion loads the default AWS credential chain.
func NewBedrockClientFromRegion(ctx context.Context, region, model string, temperature float32, maxTokens int) (*BedrockClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, eris.Wrap(err, "bedrock: load aws config")
	}
	return NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), model, temperature, maxTokens), nil
}

func (c *BedrockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if strings.TrimSpace(c.model) == "" {
		return nil, eris.New("bedrock: model id is required")
	}

	var system []brtypes.SystemContentBlock
	if strings.TrimSpace(req.SystemPrompt) != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt})
	}

	inference := &brtypes.InferenceConfiguration{}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(maxTokens))
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	if temperature > 0 {
		inference.Temperature = aws.Float32(temperature)
	}

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.model),
		System:  system,
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.UserPrompt}},
		}},
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, eris.Wrap(classifyBedrock(err), "bedrock: converse")
	}

	text := bedrockOutputText(out)
	if text == "" {
		return nil, ErrEmptyCompletion
	}

	resp := &CompletionResponse{Content: text, Model: c.model}
	if out.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

func bedrockOutputText(out *bedrockruntime.ConverseOutput) string {
	if out == nil {
		return ""
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(t.Value)
		}
	}
	return strings.TrimSpace(b.String())
}

func classifyBedrock(err error) error {
	var (
		throttled   *brtypes.ThrottlingException
		unavailable *brtypes.ServiceUnavailableException
		internal    *brtypes.InternalServerException
		notReady    *brtypes.ModelNotReadyException
	)
	switch {
	case errors.As(err, &throttled):
		return retry.Transient(err, 429)
	case errors.As(err, &unavailable):
		return retry.Transient(err, 503)
	case errors.As(err, &internal):
		return retry.Transient(err, 500)
	case errors.As(err, &notReady):
		return retry.Transient(err, 503)
	}
	return err
}
