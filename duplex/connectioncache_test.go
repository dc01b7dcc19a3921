package duplex

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
)

// newCountingFactory returns a ConnectionFactory that dials via in-process
// pipeTransport pairs (no real networking needed, the way duplex_test.go's
// other tests work), counting how many times it actually dials so tests can
// assert single-flighted/cached reuse.
func newCountingFactory(t *testing.T, runCtx context.Context) (ConnectionFactory, *int32) {
	t.Helper()
	var calls int32
	factory := func(ctx context.Context, url string) (*ClientSession, error) {
		atomic.AddInt32(&calls, 1)
		clientT, serverT := newPipePair()
		cfg := newTestBoxes(t)
		cfg.Invoker = &fixedInvoker{result: MethodResult{Result: json.RawMessage(`"ok"`)}}
		ss, err := NewServerSession(url, serverT, cfg, nil)
		if err != nil {
			return nil, err
		}
		go ss.Run(runCtx)
		cs := NewClientSession(url, clientT, noResync{}, nil)
		go cs.Run(runCtx)
		return cs, nil
	}
	return factory, &calls
}

// TestConnectionCacheSharesSameURL exercises spec §4.4 Testable Property 6:
// two callers requesting the same url get the same connection, closing the
// first share doesn't affect the second, closing the last closes it.
func TestConnectionCacheSharesSameURL(t *testing.T) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	factory, calls := newCountingFactory(t, runCtx)
	cache := NewConnectionCache(factory)

	ctx := context.Background()
	a, err := cache.GetSharedInstance(ctx, "ws://example/one")
	if err != nil {
		t.Fatalf("GetSharedInstance a: %v", err)
	}
	b, err := cache.GetSharedInstance(ctx, "ws://example/one")
	if err != nil {
		t.Fatalf("GetSharedInstance b: %v", err)
	}
	if a.ClientSession != b.ClientSession {
		t.Fatal("expected the same underlying connection for the same url")
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected exactly 1 dial, got %d", got)
	}

	a.Close("done with a")
	if a.ClientSession.IsClosed() {
		t.Fatal("closing one share must not close the shared connection")
	}

	b.Close("done with b")
	if !b.ClientSession.IsClosed() {
		t.Fatal("closing the last share must close the connection")
	}
}

// TestConnectionCacheDistinctURLsGetDistinctConnections confirms the cache
// is keyed by url, not global.
func TestConnectionCacheDistinctURLsGetDistinctConnections(t *testing.T) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	factory, calls := newCountingFactory(t, runCtx)
	cache := NewConnectionCache(factory)

	ctx := context.Background()
	a, err := cache.GetSharedInstance(ctx, "ws://example/one")
	if err != nil {
		t.Fatalf("GetSharedInstance a: %v", err)
	}
	b, err := cache.GetSharedInstance(ctx, "ws://example/two")
	if err != nil {
		t.Fatalf("GetSharedInstance b: %v", err)
	}
	if a.ClientSession == b.ClientSession {
		t.Fatal("expected distinct connections for distinct urls")
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected exactly 2 dials, got %d", got)
	}
}

// TestConnectionCacheRetriesAfterFailedCreation confirms a failed dial
// removes the slot so the next GetSharedInstance call for the same url
// retries rather than replaying the failure.
func TestConnectionCacheRetriesAfterFailedCreation(t *testing.T) {
	var calls int32
	failFirst := true
	factory := func(ctx context.Context, url string) (*ClientSession, error) {
		atomic.AddInt32(&calls, 1)
		if failFirst {
			failFirst = false
			return nil, errClosed
		}
		clientT, _ := newPipePair()
		return NewClientSession(url, clientT, noResync{}, nil), nil
	}
	cache := NewConnectionCache(factory)

	ctx := context.Background()
	if _, err := cache.GetSharedInstance(ctx, "ws://example/flaky"); err == nil {
		t.Fatal("expected the first dial to fail")
	}
	cs, err := cache.GetSharedInstance(ctx, "ws://example/flaky")
	if err != nil {
		t.Fatalf("expected the retry to succeed: %v", err)
	}
	if cs == nil {
		t.Fatal("expected a connection on retry")
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected exactly 2 dial attempts, got %d", got)
	}
}
