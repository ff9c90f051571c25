package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
)

// ErrCircuitOpen is returned while an engine is cooling down after repeated failures.
var ErrCircuitOpen = errors.New("circuit breaker open")

type BreakerConfig struct {
	// Threshold is the number of consecutive transient failures that opens the breaker.
	Threshold   int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Breaker fails fast for an engine whose server keeps failing. After the cooldown a
// single probe request is let through; success closes the breaker.
type Breaker struct {
	engine  core.Engine
	backend Backend
	cfg     BreakerConfig
	now     func() time.Time

	mu       sync.Mutex
	failures int
	opens    int
	retryAt  time.Time
	probing  bool
}

func NewBreaker(engine core.Engine, b Backend, cfg BreakerConfig) *Breaker {
	cfg.applyDefaults()
	return &Breaker{engine: engine, backend: b, cfg: cfg, now: time.Now}
}

func (b *Breaker) Parse(ctx context.Context, filename string, payload []byte, opts core.Options) (Result, error) {
	if err := b.allow(); err != nil {
		return Result{}, &core.BackendError{Engine: b.engine, Filename: filename, StatusCode: http.StatusServiceUnavailable, Err: err}
	}
	res, err := b.backend.Parse(ctx, filename, payload, opts)
	b.record(err)
	return res, err
}

func (b *Breaker) Ping(ctx context.Context) error {
	if pinger, ok := b.backend.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.retryAt.IsZero() {
		return nil
	}
	if now := b.now(); now.Before(b.retryAt) || b.probing {
		return fmt.Errorf("%w until %s", ErrCircuitOpen, b.retryAt.Format(time.RFC3339))
	}
	b.probing = true
	log.Info().Str("engine", b.engine.String()).Msg("circuit breaker moved to HALF-OPEN")
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.probing
	b.probing = false

	if err == nil {
		if !b.retryAt.IsZero() {
			log.Info().Str("engine", b.engine.String()).Msg("circuit breaker CLOSED")
		}
		b.failures, b.opens, b.retryAt = 0, 0, time.Time{}
		return
	}
	if !isTransient(err) {
		return
	}

	b.failures++
	if b.failures < b.cfg.Threshold && !wasProbe {
		return
	}

	// 30s, 60s, 120s, ... capped
	b.opens++
	backoff := b.cfg.BaseBackoff
	for i := 1; i < b.opens; i++ {
		backoff *= 2
		if backoff >= b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
			break
		}
	}
	b.retryAt = b.now().Add(backoff)

	log.Warn().
		Err(err).
		Str("engine", b.engine.String()).
		Int("failures", b.failures).
		Dur("cooldown", backoff).
		Time("retry_at", b.retryAt).
		Msg("circuit breaker OPENED")
}

// isTransient is true for server-side and transport failures, not for bad input.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *core.BackendError
	if errors.As(err, &be) {
		return be.StatusCode == 0 || be.StatusCode == http.StatusTooManyRequests || be.StatusCode >= 500
	}
	return false
}
