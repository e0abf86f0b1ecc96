// Package generator proxies free-form chat to a language model backend with
// a bounded context window, a timeout and a fixed fallback reply.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pulsar-assistant/internal/domain"
	"pulsar-assistant/internal/logging"
)

// Apology is returned to the user whenever generation fails.
const Apology = "I'm sorry, I couldn't generate a response right now. Please try again in a moment."

const (
	defaultMaxContext = 10
	defaultTimeout    = 60 * time.Second
)

// Source hands out the current backend. *ModelHandle implements it.
type Source interface {
	Backend(ctx context.Context) (Backend, error)
}

type Config struct {
	MaxContext  int
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Reply is the outcome of one generation. Text is always safe to show; Err
// is set when Text is the apology.
type Reply struct {
	Text string
	Err  error
}

type Generator struct {
	source Source
	cfg    Config
	logger *zap.Logger
}

func New(source Source, cfg Config, logger *zap.Logger) (*Generator, error) {
	if source == nil {
		return nil, errors.New("generator: backend source must not be nil")
	}
	if cfg.MaxContext <= 0 {
		cfg.MaxContext = defaultMaxContext
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{source: source, cfg: cfg, logger: logger}, nil
}

// Generate answers input given the captured profile and prior history. Only
// the last MaxContext text messages of history are sent.
func (g *Generator) Generate(ctx context.Context, profile domain.UserData, history []domain.Message, input string) Reply {
	log := logging.FromContext(ctx, g.logger)

	backend, err := g.source.Backend(ctx)
	if err != nil {
		return g.fail(log, fmt.Errorf("%w: %w", domain.ErrGenerationFailure, err))
	}

	req := domain.CompletionRequest{
		Messages:    buildPromptMessages(profile, history, strings.TrimSpace(input), g.cfg.MaxContext),
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		TopP:        g.cfg.TopP,
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := backend.Complete(ctx, req)
		done <- result{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return g.fail(log, fmt.Errorf("%w after %s", domain.ErrGenerationTimeout, g.cfg.Timeout))
		}
		return g.fail(log, fmt.Errorf("%w: %w", domain.ErrGenerationFailure, ctx.Err()))
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return g.fail(log, fmt.Errorf("%w: %w", domain.ErrGenerationTimeout, res.err))
			}
			return g.fail(log, fmt.Errorf("%w: %w", domain.ErrGenerationFailure, res.err))
		}
		text := strings.TrimSpace(res.text)
		if text == "" {
			return g.fail(log, fmt.Errorf("%w: empty completion", domain.ErrGenerationFailure))
		}
		return Reply{Text: text}
	}
}

func (g *Generator) fail(log *zap.Logger, err error) Reply {
	log.Warn("response generation failed", zap.Error(err))
	return Reply{Text: Apology, Err: err}
}
