package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	require.Error(t, err)

	_, err = New(Options{Cron: "every day please"}, zerolog.Nop())
	require.Error(t, err)

	_, err = New(Options{Cron: "*/10 11-17 * * 1-5"}, zerolog.Nop())
	require.NoError(t, err)
}

func TestNextTickAligned(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 14, 7, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 10, 14, 10, 0, 0, time.UTC), s.nextTick(now))
	onBoundary := time.Date(2025, 3, 10, 14, 10, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 10, 14, 15, 0, 0, time.UTC), s.nextTick(onBoundary))
	assert.Equal(t, time.Date(2025, 3, 10, 14, 5, 0, 0, time.UTC), s.bucketStart(now))
}

func TestNextTickUnaligned(t *testing.T) {
	s, err := New(Options{Interval: time.Minute}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 14, 7, 30, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), s.nextTick(now))
	assert.Equal(t, now, s.bucketStart(now))
}

func TestNextTickCronInLocation(t *testing.T) {
	ba := time.FixedZone("ART", -3*60*60)
	s, err := New(Options{Cron: "0 11 * * 1-5", Location: ba}, zerolog.Nop())
	require.NoError(t, err)

	// Saturday afternoon rolls over to Monday 11:00 local.
	saturday := time.Date(2025, 3, 8, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), s.nextTick(saturday))
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var ticks int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if atomic.AddInt32(&ticks, 1) == 1 {
				return errors.New("first tick fails")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
