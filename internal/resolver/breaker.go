package resolver

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leeineian/cadenza/internal/logger"
	"github.com/leeineian/cadenza/internal/metrics"
)

// State is a breaker position.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// DefaultCooldown is how long a blocked provider is left alone.
const DefaultCooldown = 15 * time.Minute

// Breaker opens on the first blocked response and stays open for the
// cooldown. There is no failure threshold and no half-open probing: after
// the cooldown the next call simply goes through.
type Breaker struct {
	mu       sync.Mutex
	name     string
	cooldown time.Duration
	state    State
	until    time.Time
	now      func() time.Time
	log      *slog.Logger
}

func NewBreaker(name string, cooldown time.Duration, log *slog.Logger) *Breaker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if log == nil {
		log = logger.Component("resolver")
	}
	b := &Breaker{name: name, cooldown: cooldown, state: StateClosed, now: time.Now, log: log}
	metrics.SetBreakerState(name, string(StateClosed))
	return b
}

// Allow reports whether the provider may be called now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return true
	}
	if !b.now().Before(b.until) {
		b.transitionTo(StateClosed)
		return true
	}
	b.log.Debug(fmt.Sprintf(logger.MsgResolverSkipBlocked, b.name, b.until.Format(time.TimeOnly)))
	return false
}

// Trip opens the breaker. Only the call that opens it logs a warning, so
// each window produces exactly one.
func (b *Breaker) Trip(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	metrics.RecordProviderBlocked(b.name)
	if b.state == StateOpen && b.now().Before(b.until) {
		return
	}
	b.until = b.now().Add(b.cooldown)
	b.transitionTo(StateOpen)
	b.log.Warn(fmt.Sprintf(logger.MsgResolverBlocked, b.name, b.until.Format(time.TimeOnly), err))
}

// State returns the current position without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Caller holds b.mu.
func (b *Breaker) transitionTo(s State) {
	if b.state == s {
		return
	}
	b.state = s
	metrics.SetBreakerState(b.name, string(s))
}
