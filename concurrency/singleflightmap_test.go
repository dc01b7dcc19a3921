package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSingleFlightMapPerKeyIndependence(t *testing.T) {
	m := NewSingleFlightMap[string, int]()

	a, err := m.Exec(context.Background(), "a", func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	b, err := m.Exec(context.Background(), "b", func(ctx context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)

	require.Equal(t, 1, a)
	require.Equal(t, 2, b)
}

func TestSingleFlightMapDrainSucceededIgnoresRejections(t *testing.T) {
	m := NewSingleFlightMap[string, int]()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	go func() {
		_, _ = m.Exec(context.Background(), "ok", func(ctx context.Context) (int, error) {
			started.Done()
			<-release
			return 10, nil
		})
	}()
	go func() {
		_, _ = m.Exec(context.Background(), "fail", func(ctx context.Context) (int, error) {
			started.Done()
			<-release
			return 0, errors.New("nope")
		})
	}()
	started.Wait()

	// Both operations are in flight when DrainSucceeded starts; they settle
	// only while it is waiting on them.
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	got := m.DrainSucceeded(context.Background())
	require.Equal(t, []int{10}, got)
}
