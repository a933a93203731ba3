package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/physioclinic/ai-router/pkg/retry"
)

type fakeConverse struct {
	calls int
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.calls++
	f.input = in
	return f.out, f.err
}

func textOutput(s string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: s}},
		}},
		Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(20), OutputTokens: aws.Int32(8), TotalTokens: aws.Int32(28)},
	}
}

func TestBedrockClient_Complete(t *testing.T) {
	api := &fakeConverse{out: textOutput(" Mobilização articular grau III ")}
	client := NewBedrockClient(api, "anthropic.claude-3-haiku", 0.2, 512)

	resp, err := client.Complete(context.Background(), CompletionRequest{SystemPrompt: "sys", UserPrompt: "ombro congelado"})
	require.NoError(t, err)
	assert.Equal(t, "Mobilização articular grau III", resp.Content)
	assert.Equal(t, 28, resp.Usage.TotalTokens)

	require.NotNil(t, api.input)
	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(api.input.ModelId))
	assert.Len(t, api.input.System, 1)
	assert.Equal(t, int32(512), aws.ToInt32(api.input.InferenceConfig.MaxTokens))
}

func TestBedrockClient_EmptyOutput(t *testing.T) {
	api := &fakeConverse{out: &bedrockruntime.ConverseOutput{}}
	_, err := NewBedrockClient(api, "m", 0, 0).Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestBedrockClient_ThrottlingIsTransient(t *testing.T) {
	api := &fakeConverse{err: &brtypes.ThrottlingException{Message: aws.String("slow down")}}
	_, err := NewBedrockClient(api, "m", 0, 0).Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))
}

func TestGuarded_OpensBreakerAfterFailures(t *testing.T) {
	api := &fakeConverse{err: errors.New("access denied")}
	opts := DefaultGuardOptions()
	opts.FailureThreshold = 2
	opts.OpenTimeout = time.Hour
	g := NewGuarded("bedrock", NewBedrockClient(api, "m", 0, 0), opts)

	for i := 0; i < 2; i++ {
		_, err := g.Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
		require.Error(t, err)
	}
	assert.Equal(t, 2, api.calls, "non-transient errors are not retried")
	assert.False(t, g.Available())

	_, err := g.Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	require.Error(t, err)
	assert.Equal(t, 2, api.calls)
}
