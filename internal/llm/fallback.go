package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FallbackProvider asks each provider in turn until one answers. The
// caller's deadline is shared by the whole chain: once ctx is done no
// further provider is tried.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a FallbackProvider. providers must not be empty.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("llm: fallback chain needs at least one provider")
	}
	return &FallbackProvider{providers: providers, logger: logger}
}

func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var errs []error
	for i, p := range f.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "answered by fallback provider",
					slog.String("provider", p.Name()),
					slog.Int("skipped", i),
				)
			}
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		f.logger.WarnContext(ctx, "llm provider failed",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("no provider answered: %w", errors.Join(errs...))
}

// Name is the primary provider's name with a "+fallback" suffix.
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}
