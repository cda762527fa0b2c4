package pwapush

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakers holds one circuit breaker per push service origin.
type breakers struct {
	threshold uint32
	cooldown  time.Duration

	mu     sync.Mutex
	byHost map[string]*gobreaker.CircuitBreaker
}

func newBreakers(threshold uint32, cooldown time.Duration) *breakers {
	return &breakers{
		threshold: threshold,
		cooldown:  cooldown,
		byHost:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *breakers) get(origin string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byHost[origin]
	if !ok {
		threshold := b.threshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        origin,
			MaxRequests: 1,
			Timeout:     b.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		b.byHost[origin] = cb
	}
	return cb
}

// run executes deliver through the origin's breaker. Only failures that
// reflect the push service's health count against it.
func (b *breakers) run(origin string, deliver func() Outcome) Outcome {
	var out Outcome
	_, err := b.get(origin).Execute(func() (interface{}, error) {
		out = deliver()
		if out.retryable() {
			return nil, out.Err
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return failed("circuit breaker open", ErrCircuitOpen)
	}
	return out
}
