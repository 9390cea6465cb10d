package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingCalls(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Execute(context.Background(), func() error { return errBoom })
	}
}

func TestBreaker(t *testing.T) {
	t.Run("should stay closed while calls succeed", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Minute, HalfOpenMax: 1})
		for i := 0; i < 10; i++ {
			require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
		}
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should open after max consecutive failures", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Minute, HalfOpenMax: 1})
		failingCalls(b, 3)
		assert.Equal(t, StateOpen, b.State())

		err := b.Execute(context.Background(), func() error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("should reset the failure count on success", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Minute, HalfOpenMax: 1})
		failingCalls(b, 2)
		require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, 0, b.Failures())

		failingCalls(b, 2)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should probe half-open after the timeout", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
		failingCalls(b, 1)
		require.Equal(t, StateOpen, b.State())

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reopen when the half-open probe fails", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 2})
		failingCalls(b, 1)
		time.Sleep(20 * time.Millisecond)

		failingCalls(b, 1)
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("should cap concurrent half-open probes", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
		failingCalls(b, 1)
		time.Sleep(20 * time.Millisecond)

		release := make(chan struct{})
		go b.Execute(context.Background(), func() error { <-release; return nil })
		time.Sleep(10 * time.Millisecond)

		err := b.Execute(context.Background(), func() error { return nil })
		assert.ErrorIs(t, err, ErrTooManyRequests)
		close(release)
	})

	t.Run("should notify on state change", func(t *testing.T) {
		var transitions []string
		b := NewBreaker(Config{
			MaxFailures: 1,
			Timeout:     time.Minute,
			HalfOpenMax: 1,
			OnStateChange: func(from, to State) {
				transitions = append(transitions, from.String()+"->"+to.String())
			},
		})
		failingCalls(b, 1)
		assert.Equal(t, []string{"closed->open"}, transitions)
	})
}

func TestBreakerGroup(t *testing.T) {
	t.Run("should isolate failures per collaborator", func(t *testing.T) {
		g := NewBreakerGroup(Config{MaxFailures: 1, Timeout: time.Minute, HalfOpenMax: 1})
		g.Execute(context.Background(), "postgres", func() error { return errBoom })

		assert.Equal(t, StateOpen, g.Get("postgres").State())
		assert.Equal(t, StateClosed, g.Get("redis").State())

		states := g.States()
		assert.Equal(t, StateOpen, states["postgres"])
	})

	t.Run("should return the same breaker for the same name", func(t *testing.T) {
		g := NewBreakerGroup(Config{MaxFailures: 1, Timeout: time.Minute, HalfOpenMax: 1})
		assert.Same(t, g.Get("store"), g.Get("store"))
	})
}
