package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleFlightCollapsesConcurrentCalls(t *testing.T) {
	var sf SingleFlight[int]
	var calls int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			val, err := sf.Exec(context.Background(), func(ctx context.Context) (int, error) {
				atomic.AddInt32(&calls, 1)
				return 42, nil
			})
			require.NoError(t, err)
			results[i] = val
		}(i)
	}
	close(start)
	wg.Wait()

	for _, r := range results {
		require.Equal(t, 42, r)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(10))
}

func TestSingleFlightRetriesAfterFailure(t *testing.T) {
	var sf SingleFlight[int]
	wantErr := errors.New("boom")

	_, err := sf.Exec(context.Background(), func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	require.NoError(t, sf.ExpectIdle())

	val, err := sf.Exec(context.Background(), func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, val)
}

func TestSingleFlightExpectIdle(t *testing.T) {
	var sf SingleFlight[int]
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = sf.Exec(context.Background(), func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()

	<-started
	require.Error(t, sf.ExpectIdle())
	close(release)
	sf.WaitTilIdle(context.Background())
	require.NoError(t, sf.ExpectIdle())
}
