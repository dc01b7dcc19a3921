package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatestGreatestIgnoresSupersededCompletions(t *testing.T) {
	var lg LatestGreatest[string]

	firstDone := make(chan struct{})
	lg.Exec(context.Background(), func(ctx context.Context, isOutdated func() bool) (string, error) {
		time.Sleep(20 * time.Millisecond)
		close(firstDone)
		if isOutdated() {
			return "stale", nil
		}
		return "first", nil
	})

	lg.Exec(context.Background(), func(ctx context.Context, isOutdated func() bool) (string, error) {
		return "second", nil
	})

	val, err := lg.GetLatest(context.Background())
	require.NoError(t, err)
	require.Equal(t, "second", val)

	<-firstDone
}

func TestLatestGreatestNoOperationYieldsZeroValue(t *testing.T) {
	var lg LatestGreatest[int]
	val, err := lg.GetLatest(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, val)
}
