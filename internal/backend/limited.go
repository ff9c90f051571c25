package backend

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/local/parsemd/internal/core"
)

type limitedBackend struct {
	limiter *rate.Limiter
	backend Backend
}

// NewLimited throttles calls to b. A nil limiter disables throttling.
func NewLimited(l *rate.Limiter, b Backend) Backend {
	if l == nil {
		return b
	}
	return &limitedBackend{
		limiter: l,
		backend: b,
	}
}

func (p *limitedBackend) Parse(ctx context.Context, filename string, payload []byte, opts core.Options) (Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	return p.backend.Parse(ctx, filename, payload, opts)
}

func (p *limitedBackend) Ping(ctx context.Context) error {
	if pinger, ok := p.backend.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}
