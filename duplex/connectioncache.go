package duplex

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/restfuncs/restfuncs-go/concurrency"
	"github.com/restfuncs/restfuncs-go/transport"
	"go.uber.org/zap"
)

// ConnectionFactory dials and constructs a fresh, running ClientSession for
// url. Implementations are expected to start the session's Run loop in its
// own goroutine before returning, the way NewWebSocketConnectionFactory
// does.
type ConnectionFactory func(ctx context.Context, url string) (*ClientSession, error)

// NewWebSocketConnectionFactory returns a ConnectionFactory dialing url over
// transport.DialClient, building a ClientSession with a per-connection
// CookieSessionResync from resyncFor, and starting its Run loop against
// runCtx (which should outlive any single GetSharedInstance call — it
// governs the connection's lifetime, not the dial's).
func NewWebSocketConnectionFactory(runCtx context.Context, resyncFor func(connID string) CookieSessionResync, header http.Header, dialer *websocket.Dialer, log *zap.Logger) ConnectionFactory {
	return func(ctx context.Context, url string) (*ClientSession, error) {
		t, err := transport.DialClient(ctx, url, header, dialer)
		if err != nil {
			return nil, fmt.Errorf("duplex: dial %s: %w", url, err)
		}
		id := uuid.NewString()
		cs := NewClientSession(id, t, resyncFor(id), log)
		go cs.Run(runCtx)
		return cs, nil
	}
}

// SharedClientSession is a refcounted handle onto a connection held by a
// ConnectionCache. Close releases this handle's share; the underlying
// connection is only closed once every share sharing its url has been
// released (spec §4.4 Testable Property 6).
type SharedClientSession struct {
	*ClientSession
	cache *ConnectionCache
	url   string
}

// Close releases this handle's share of the cached connection.
func (s *SharedClientSession) Close(reason string) {
	s.cache.release(s.url, s.ClientSession, reason)
}

// ConnectionCache is the client-side url-keyed connection registry of spec
// §4.4: "Instance registry (url -> connection, client) is single-flight; a
// failed creation removes the slot so the next attempt retries." Concurrent
// GetSharedInstance calls for the same url that race a first-time dial all
// observe the same connection (collapsed through a SingleFlightMap, the way
// ClientSession collapses concurrent cookie-session resyncs); once a dial
// fails, SingleFlightMap clears its slot automatically, so the very next
// call redials from scratch rather than replaying the failure.
type ConnectionCache struct {
	dial    ConnectionFactory
	flights *concurrency.SingleFlightMap[string, *ClientSession]

	mu    sync.Mutex
	refs  map[string]int
	byURL map[string]*ClientSession
}

// NewConnectionCache returns an empty ConnectionCache dialing new
// connections via dial.
func NewConnectionCache(dial ConnectionFactory) *ConnectionCache {
	return &ConnectionCache{
		dial:    dial,
		flights: concurrency.NewSingleFlightMap[string, *ClientSession](),
		refs:    make(map[string]int),
		byURL:   make(map[string]*ClientSession),
	}
}

// GetSharedInstance returns a shared connection for url, dialing one if none
// is cached yet. Two callers requesting the same url concurrently receive
// the same underlying connection.
func (c *ConnectionCache) GetSharedInstance(ctx context.Context, url string) (*SharedClientSession, error) {
	if cs, ok := c.existing(url); ok {
		return c.share(url, cs), nil
	}

	cs, err := c.flights.Exec(ctx, url, func(ctx context.Context) (*ClientSession, error) {
		if cs, ok := c.existing(url); ok {
			return cs, nil
		}
		cs, err := c.dial(ctx, url)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.byURL[url] = cs
		c.mu.Unlock()
		go c.evictOnClose(url, cs)
		return cs, nil
	})
	if err != nil {
		return nil, err
	}
	return c.share(url, cs), nil
}

func (c *ConnectionCache) existing(url string) (*ClientSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.byURL[url]
	return cs, ok
}

func (c *ConnectionCache) share(url string, cs *ClientSession) *SharedClientSession {
	c.mu.Lock()
	c.refs[url]++
	c.mu.Unlock()
	return &SharedClientSession{ClientSession: cs, cache: c, url: url}
}

// evictOnClose drops a connection from the cache once it closes on its own
// (fatal error or peer close), so the next GetSharedInstance call for url
// redials instead of handing back a dead connection forever.
func (c *ConnectionCache) evictOnClose(url string, cs *ClientSession) {
	<-cs.Done()
	c.mu.Lock()
	if c.byURL[url] == cs {
		delete(c.byURL, url)
		delete(c.refs, url)
	}
	c.mu.Unlock()
}

func (c *ConnectionCache) release(url string, cs *ClientSession, reason string) {
	c.mu.Lock()
	c.refs[url]--
	last := c.refs[url] <= 0
	if last {
		delete(c.refs, url)
		if c.byURL[url] == cs {
			delete(c.byURL, url)
		}
	}
	c.mu.Unlock()

	if last {
		cs.Close(reason)
	}
}
