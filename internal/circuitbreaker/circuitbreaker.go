// Package circuitbreaker fails fast when the upstream provider is
// unhealthy, instead of queueing doomed requests behind long timeouts.
//
// States: closed (normal), open (failing fast), half-open (probing
// recovery with a limited number of requests).
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/edupro/ai-gateway/internal/domain"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes required to close
	Timeout          time.Duration // open duration before probing
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker guards calls to one upstream. Allow returns
// domain.ErrCircuitBreakerOpen while the circuit is open.
type Breaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
}

func New(cfg Config) *Breaker {
	return &Breaker{state: StateClosed, config: cfg}
}

func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.RLock()
	state := b.state
	lastFailure := b.lastFailure
	b.mu.RUnlock()

	switch state {
	case StateOpen:
		if time.Since(lastFailure) > b.config.Timeout {
			b.mu.Lock()
			if b.state == StateOpen {
				b.state = StateHalfOpen
				b.successes = 0
			}
			b.mu.Unlock()
			return nil
		}
		return domain.ErrCircuitBreakerOpen
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
	}
}

func (b *Breaker) State(ctx context.Context) State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}
