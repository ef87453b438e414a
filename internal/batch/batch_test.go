package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunKeepsOrderAndIsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	results, errs := Run(context.Background(), []string{"A", "B", "C", "D"}, func(_ context.Context, s string) (*string, error) {
		switch s {
		case "B":
			return nil, boom
		case "C":
			return nil, nil
		case "A":
			time.Sleep(10 * time.Millisecond)
		}
		v := s + "!"
		return &v, nil
	})

	assert.Equal(t, []string{"A!", "D!"}, results)
	require.Len(t, errs, 1)
	assert.Equal(t, "B", errs[0].Symbol)
	assert.ErrorIs(t, errs[0], boom)
}

func TestRunRecoversPanics(t *testing.T) {
	results, errs := Run(context.Background(), []string{"OK", "BAD"}, func(_ context.Context, s string) (*int, error) {
		if s == "BAD" {
			panic("nil map")
		}
		v := 1
		return &v, nil
	})

	assert.Equal(t, []int{1}, results)
	require.Len(t, errs, 1)
	var pe *PanicError
	require.ErrorAs(t, errs[0], &pe)
	assert.Equal(t, "nil map", pe.Value)
}

func TestRunIsConcurrent(t *testing.T) {
	var inFlight, peak int32
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		Run(context.Background(), []string{"A", "B", "C"}, func(context.Context, string) (*int, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&inFlight, -1)
			return nil, nil
		})
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&peak) == 3 }, time.Second, time.Millisecond)
	close(release)
	<-done
}

func TestSymbolErrorJSON(t *testing.T) {
	b, err := SymbolError{Symbol: "KO", Err: errors.New("no ratio")}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"symbol":"KO","error":"no ratio"}`, string(b))
}

func TestRunEmpty(t *testing.T) {
	results, errs := Run(context.Background(), nil, func(context.Context, string) (*int, error) { return nil, nil })
	assert.Empty(t, results)
	assert.Empty(t, errs)
}
