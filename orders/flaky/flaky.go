// Package flaky simulates an unreliable downstream operation: it randomly
// fails, randomly stalls past any sane timeout, or succeeds. Every business
// operation routes through it so the saga's retry and timeout policies are
// exercised for real.
package flaky

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrInjected is the transient failure raised by the simulator.
var ErrInjected = errors.New("injected transient failure")

// Injector decides the fate of a single operation attempt.
type Injector interface {
	Call(ctx context.Context) error
}

const (
	defaultStall    = 300 * time.Second
	failProbability = 0.33
	hangProbability = 0.67
)

// Random fails with probability 1/3, stalls with probability 1/3 (long enough
// that the per-attempt timeout fires first), and succeeds otherwise.
type Random struct {
	mu    sync.Mutex
	rand  *rand.Rand
	stall time.Duration
}

// NewRandom constructs an injector from the given seed.
func NewRandom(seed int64) *Random {
	return &Random{
		rand:  rand.New(rand.NewSource(seed)),
		stall: defaultStall,
	}
}

// NewRandomWithStall overrides the stall duration, used by tests that cannot
// afford the full five minutes.
func NewRandomWithStall(seed int64, stall time.Duration) *Random {
	r := NewRandom(seed)
	r.stall = stall
	return r
}

func (r *Random) Call(ctx context.Context) error {
	r.mu.Lock()
	p := r.rand.Float64()
	r.mu.Unlock()

	switch {
	case p < failProbability:
		return ErrInjected
	case p < hangProbability:
		timer := time.NewTimer(r.stall)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	default:
		return nil
	}
}

// None never fails. Used in tests that target business semantics rather than
// fault handling.
type None struct{}

func (None) Call(context.Context) error { return nil }
