package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/trebuchet-org/evolve/internal/domain/config"
)

// LazyCompleter builds the model client on the first completion, so commands that
// never reach the model run without credentials. A construction error is sticky.
type LazyCompleter struct {
	cfg   config.LLMConfig
	once  sync.Once
	inner Completer
	err   error
}

// NewLazyCompleter validates the provider up front and defers everything else.
// It returns nil for the static provider.
func NewLazyCompleter(cfg config.LLMConfig) (Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "gemini", "openai":
		return &LazyCompleter{cfg: cfg}, nil
	case "static":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func (l *LazyCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	l.once.Do(func() {
		l.inner, l.err = NewCompleter(context.WithoutCancel(ctx), l.cfg)
	})
	if l.err != nil {
		return "", l.err
	}
	return l.inner.Complete(ctx, system, prompt)
}

func (l *LazyCompleter) Name() string {
	provider := l.cfg.Provider
	if provider == "" {
		provider = "gemini"
	}
	if l.cfg.Model == "" {
		return provider
	}
	return provider + ":" + l.cfg.Model
}
