package channelitems

import "sync"

// ReleaseNotifier is called when a received proxy is no longer used, either
// because its owner called Release explicitly or because the runtime
// collected it and the cleanup backstop fired. time is the local inbound
// sequence number at the moment of release.
type ReleaseNotifier func(id int64, time uint64)

// Proxy is a locally materialized stand-in for a callback or readable
// stream the peer sent us. Release must be idempotent: only the first call
// sends channelItemNotUsedAnymore.
type Proxy struct {
	ID   int64
	Kind Kind

	mu       sync.Mutex
	released bool
	notify   ReleaseNotifier
	lastSeq  func() uint64
}

// Release marks the proxy as no longer used and fires the release
// notification exactly once.
func (p *Proxy) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	if p.notify != nil {
		p.notify(p.ID, p.lastSeq())
	}
}

// ReceivedItems is the receiver-side registry: id -> proxy. A second arrival
// of the same id resurrects the cached proxy rather than minting a new one,
// which is what keeps the sender's "lastTimeSent >= time" race rule sound
// (spec §4.3).
//
// Go has no language-level weak reference a protocol can depend on for
// correctness, so release is driven by explicit Release() calls from the
// proxy's owner. Callers that want a GC-driven backstop (for owners that
// forget to release explicitly) register one themselves with
// runtime.AddCleanup against Proxy.Release, since that API needs the
// concrete owner pointer type at the call site and can't be expressed
// generically inside this registry.
type ReceivedItems struct {
	mu      sync.Mutex
	proxies map[int64]*Proxy
	lastSeq func() uint64
	notify  ReleaseNotifier
}

// NewReceivedItems returns an empty ReceivedItems registry. lastSeq reports
// the connection's current inbound sequence number; notify is called to
// send the channelItemNotUsedAnymore frame.
func NewReceivedItems(lastSeq func() uint64, notify ReleaseNotifier) *ReceivedItems {
	return &ReceivedItems{
		proxies: make(map[int64]*Proxy),
		lastSeq: lastSeq,
		notify:  notify,
	}
}

// Materialize returns the proxy for id, creating it on first arrival, or
// returning the cached proxy on a later arrival of the same id (so the
// second arrival resurrects the same identity, per spec §4.3).
func (r *ReceivedItems) Materialize(id int64, kind Kind) *Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.proxies[id]; ok {
		return p
	}

	p := &Proxy{ID: id, Kind: kind, notify: r.wrappedNotify(), lastSeq: r.lastSeq}
	r.proxies[id] = p
	return p
}

// wrappedNotify forwards the proxy's release to the registry's notify
// callback and forgets the cached proxy so a later re-arrival of the same id
// mints a fresh one rather than handing back an already-released proxy.
func (r *ReceivedItems) wrappedNotify() ReleaseNotifier {
	return func(id int64, time uint64) {
		r.mu.Lock()
		delete(r.proxies, id)
		r.mu.Unlock()
		if r.notify != nil {
			r.notify(id, time)
		}
	}
}

// Lookup returns the proxy for id, if any.
func (r *ReceivedItems) Lookup(id int64) (*Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[id]
	return p, ok
}

// Clear releases and drops every tracked proxy, as happens when the
// connection closes.
func (r *ReceivedItems) Clear() {
	r.mu.Lock()
	proxies := make([]*Proxy, 0, len(r.proxies))
	for _, p := range r.proxies {
		proxies = append(proxies, p)
	}
	r.proxies = make(map[int64]*Proxy)
	r.mu.Unlock()

	for _, p := range proxies {
		p.mu.Lock()
		p.released = true
		p.mu.Unlock()
	}
}

// Len reports the number of proxies currently tracked. Exposed for tests.
func (r *ReceivedItems) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}
