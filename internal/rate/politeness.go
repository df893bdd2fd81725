package rate

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// PolitenessConfig bounds the randomized gap between two requests to one vendor.
type PolitenessConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Politeness spaces requests per key by a random delay in [MinDelay, MaxDelay].
// Each Wait reserves the next slot, so concurrent callers queue up instead of
// bursting together.
type Politeness struct {
	cfg  PolitenessConfig
	mu   sync.Mutex
	next map[string]time.Time
	now  func() time.Time
	rand func(n int64) int64
}

func NewPoliteness(cfg PolitenessConfig) *Politeness {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Politeness{
		cfg:  cfg,
		next: make(map[string]time.Time),
		now:  time.Now,
		rand: rand.Int63n,
	}
}

func (p *Politeness) jitter() time.Duration {
	span := int64(p.cfg.MaxDelay - p.cfg.MinDelay)
	if span <= 0 {
		return p.cfg.MinDelay
	}
	return p.cfg.MinDelay + time.Duration(p.rand(span+1))
}

// Reserve returns how long the caller must wait before its request to key.
func (p *Politeness) Reserve(key string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	at, ok := p.next[key]
	if !ok || at.Before(now) {
		at = now
	}
	p.next[key] = at.Add(p.jitter())
	return at.Sub(now)
}

// Wait blocks until the caller's slot for key or until ctx is done.
func (p *Politeness) Wait(ctx context.Context, key string) error {
	d := p.Reserve(key)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
