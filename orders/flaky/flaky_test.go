package flaky

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomIsDeterministicPerSeed(t *testing.T) {
	const calls = 50
	a := NewRandomWithStall(42, time.Millisecond)
	b := NewRandomWithStall(42, time.Millisecond)

	ctx := context.Background()
	for i := 0; i < calls; i++ {
		errA := a.Call(ctx)
		errB := b.Call(ctx)
		assert.Equal(t, errA == nil, errB == nil, "call %d diverged", i)
		if errA != nil {
			assert.True(t, errors.Is(errA, ErrInjected))
			assert.True(t, errors.Is(errB, ErrInjected))
		}
	}
}

func TestRandomProducesAllOutcomes(t *testing.T) {
	r := NewRandomWithStall(7, time.Millisecond)
	ctx := context.Background()

	var failures, successes int
	for i := 0; i < 200; i++ {
		if err := r.Call(ctx); err != nil {
			require.True(t, errors.Is(err, ErrInjected))
			failures++
		} else {
			successes++
		}
	}
	assert.NotZero(t, failures, "expected some injected failures over 200 calls")
	assert.NotZero(t, successes, "expected some successes over 200 calls")
}

func TestRandomStallObservesContext(t *testing.T) {
	// A long stall must end the moment the caller's deadline fires, the same
	// way a per-attempt timeout would cut it off.
	r := NewRandomWithStall(1, time.Hour)

	deadline := 20 * time.Millisecond
	start := time.Now()
	sawCancellation := false
	for i := 0; i < 50 && !sawCancellation; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), deadline)
		err := r.Call(ctx)
		cancel()
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			sawCancellation = true
		}
	}
	require.True(t, sawCancellation, "expected at least one stalled call to return the context error")
	assert.Less(t, time.Since(start), time.Hour)
}

func TestNoneAlwaysSucceeds(t *testing.T) {
	var n None
	for i := 0; i < 10; i++ {
		assert.NoError(t, n.Call(context.Background()))
	}
}
