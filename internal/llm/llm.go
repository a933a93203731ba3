// Package llm holds the premium model backends. Every backend satisfies
// Completer; Guarded adds circuit breaking and retries on top.
package llm

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/pkg/circuitbreaker"
	"github.com/physioclinic/ai-router/pkg/logger"
	"github.com/physioclinic/ai-router/pkg/retry"
)

var ErrEmptyCompletion = eris.New("model returned no content")

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Model   string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type GuardOptions struct {
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Retry            retry.Config
	Clock            clockwork.Clock
}

func DefaultGuardOptions() GuardOptions {
	return GuardOptions{
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		Retry:            retry.DefaultConfig(),
	}
}

// Guarded wraps a backend with a per-call timeout, retries for transient
// failures and a circuit breaker around the whole attempt.
type Guarded struct {
	name    string
	inner   Completer
	cb      *circuitbreaker.CircuitBreaker
	retry   retry.Config
	timeout time.Duration
	log     *zap.Logger
}

func NewGuarded(name string, inner Completer, opts GuardOptions) *Guarded {
	log := logger.Named("llm").With(zap.String("provider", name))
	opts.Retry.Logger = log
	if opts.Clock != nil {
		opts.Retry.Clock = opts.Clock
	}

	return &Guarded{
		name:  name,
		inner: inner,
		cb: circuitbreaker.New(name, circuitbreaker.Config{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          opts.OpenTimeout,
			FailureThreshold: opts.FailureThreshold,
			Clock:            opts.Clock,
			Logger:           log,
		}),
		retry:   opts.Retry,
		timeout: opts.Timeout,
		log:     log,
	}
}

func (g *Guarded) Name() string { return g.name }

// Available is false while the breaker is open.
func (g *Guarded) Available() bool { return g.cb.Available() }

func (g *Guarded) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var result *CompletionResponse
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = retry.DoWithResult(ctx, g.retry, func(ctx context.Context) (*CompletionResponse, error) {
			return g.inner.Complete(ctx, req)
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	g.log.Debug("completion generated",
		zap.String("model", result.Model),
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
	)
	return result, nil
}
