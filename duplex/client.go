package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/restfuncs/restfuncs-go/concurrency"
	"github.com/restfuncs/restfuncs-go/session"
	"github.com/restfuncs/restfuncs-go/wireformat"
	"go.uber.org/zap"
)

// CookieSessionResync is the client's HTTP collaborator for the two-sides
// problem (spec §4.6): fetching and pushing cookie-session state and
// answering the server's security-property questions.
type CookieSessionResync interface {
	// CurrentBrowserCookieState parses the current rfSessState-equivalent
	// cookie, if running where cookies are observable. Returns the zero
	// value when not applicable (e.g. a non-browser client).
	CurrentBrowserCookieState(ctx context.Context) (session.State, bool)
	// ResyncFromHTTP re-fetches the cookie session over HTTP after the
	// browser cookie indicated a foreign change, forwarding question (the
	// server's handshake-issued GetCookieSession question token, cached off
	// the "init" frame) so the server can recognize this connection. The
	// returned token is the server-sealed answer the caller must relay back
	// unmodified via setCookieSession.
	ResyncFromHTTP(ctx context.Context, question string) (CookieSessionAnswer, error)
	// FetchAndSet fetches the current cookie session after the server
	// reported it dropped (outdated), forwarding question the same way
	// ResyncFromHTTP does.
	FetchAndSet(ctx context.Context, question string) (CookieSessionAnswer, error)
	// InitializeFromHTTP initializes a previously-uninitialized cookie
	// session after the server demanded it.
	InitializeFromHTTP(ctx context.Context, question string) (CookieSessionAnswer, error)
	// UpdateOnHTTPAndSet commits a server-issued session update token to
	// HTTP and returns a fresh answer to relay back via setCookieSession
	// (spec §4.4 step 8: "the client then commits to HTTP and refeeds us
	// through setCookieSession").
	UpdateOnHTTPAndSet(ctx context.Context, updateToken string) (CookieSessionAnswer, error)
	// FetchHTTPSecurityProperties answers a "needs-http-security" question
	// for syncKey, returning the answer token to send back.
	FetchHTTPSecurityProperties(ctx context.Context, syncKey, question string) (string, error)
}

// CookieSessionAnswer bundles the locally-cacheable session state (for the
// client's own outdated/stale-target bookkeeping) with the server-sealed
// answer token that must be relayed verbatim over the duplex channel via
// setCookieSession — the client cannot (and must not) derive one from the
// other, since the token's payload is opaque to it.
type CookieSessionAnswer struct {
	Session session.CookieSession
	Token   string
}

// ClientSession is the client side of the duplex state machine (spec §4.4
// "Client send path").
type ClientSession struct {
	*Connection

	resync CookieSessionResync

	mu                   sync.Mutex
	nextCallID           uint64
	pending              map[uint64]*concurrency.DeferredResult[MethodCallResult]
	lastSetOnServer      session.State
	lastStaleTargetState session.State
	cookieSessionRequest string

	fixOutdatedCookieSession concurrency.SingleFlight[CookieSessionAnswer]
	fetchHTTPSecurity        concurrency.SingleFlightMap[string, string]


	// downCallHandler invokes a locally-registered callback in response to
	// a server-initiated down-call (spec GLOSSARY "Down-call").
	downCallHandler func(ctx context.Context, dc DownCall) (json.RawMessage, error)
}

// NewClientSession builds a ClientSession over an already-connected
// transport. The caller must have exchanged the "init" handshake before
// constructing this (or call Run, which reads it first).
func NewClientSession(id string, transport Transport, resync CookieSessionResync, log *zap.Logger) *ClientSession {
	cs := &ClientSession{
		Connection: NewConnection(id, true, transport, log),
		resync:     resync,
		pending:    make(map[uint64]*concurrency.DeferredResult[MethodCallResult]),
	}
	return cs
}

// SetDownCallHandler registers the function that executes server-initiated
// down-calls against locally held callbacks.
func (cs *ClientSession) SetDownCallHandler(h func(ctx context.Context, dc DownCall) (json.RawMessage, error)) {
	cs.downCallHandler = h
}

// Run reads frames from the transport until it closes, dispatching
// methodCallResult frames to pending callers and downCall frames to the
// registered handler. Call it in its own goroutine.
func (cs *ClientSession) Run(ctx context.Context) {
	for {
		select {
		case raw, ok := <-cs.transport.Recv():
			if !ok {
				cs.Fatal(fmt.Errorf("duplex: transport closed"))
				cs.RejectAllPending(connClosedErr(cs.Connection))
				return
			}
			if err := cs.handleFrame(ctx, raw); err != nil {
				cs.Fatal(err)
				cs.RejectAllPending(connClosedErr(cs.Connection))
				return
			}
		case <-ctx.Done():
			cs.Close("context canceled")
			cs.RejectAllPending(connClosedErr(cs.Connection))
			return
		}
	}
}

func (cs *ClientSession) handleFrame(ctx context.Context, raw string) error {
	f, err := wireformat.Decode(raw)
	if err != nil {
		return fmt.Errorf("duplex: protocol violation: %w", err)
	}
	switch f.Type {
	case FrameInit:
		var init Init
		if err := wireformat.StrictUnmarshal(f.Payload, &init); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding init: %w", err)
		}
		cs.mu.Lock()
		cs.cookieSessionRequest = init.CookieSessionRequest
		cs.mu.Unlock()
		cs.MarkOpen()
		return nil
	case FrameMethodCallResult:
		var r MethodCallResult
		if err := wireformat.StrictUnmarshal(f.Payload, &r); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding methodCallResult: %w", err)
		}
		cs.resolvePending(r)
		return nil
	case FrameDownCall:
		var dc DownCall
		if err := wireformat.StrictUnmarshal(f.Payload, &dc); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding downCall: %w", err)
		}
		go cs.handleDownCall(ctx, dc)
		return nil
	case FrameChannelItemNotUsedAnymore:
		var n ChannelItemNotUsedAnymore
		if err := wireformat.StrictUnmarshal(f.Payload, &n); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding channelItemNotUsedAnymore: %w", err)
		}
		cs.SentItems.HandleNotUsedAnymore(n.ID, n.Time)
		return nil
	case FrameStreamDataRequest:
		var req StreamDataRequest
		if err := wireformat.StrictUnmarshal(f.Payload, &req); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding streamDataRequest: %w", err)
		}
		cs.handleStreamDataRequest(ctx, req)
		return nil
	case FrameStreamData:
		var data StreamData
		if err := wireformat.StrictUnmarshal(f.Payload, &data); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding streamData: %w", err)
		}
		cs.handleStreamData(data)
		return nil
	case FrameGetVersion:
		return nil
	default:
		return nil // forward-compatible: unknown types are not fatal (spec §6)
	}
}

// currentCookieSessionRequest returns the most recently cached
// cookieSessionRequest question token from the "init" handshake frame, the
// only question source ResyncFromHTTP/FetchAndSet have available.
func (cs *ClientSession) currentCookieSessionRequest() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.cookieSessionRequest
}

func (cs *ClientSession) resolvePending(r MethodCallResult) {
	cs.mu.Lock()
	d, ok := cs.pending[r.CallID]
	if ok {
		delete(cs.pending, r.CallID)
	}
	cs.mu.Unlock()
	if ok {
		d.Resolve(r)
	}
}

func (cs *ClientSession) handleDownCall(ctx context.Context, dc DownCall) {
	if cs.downCallHandler == nil {
		return
	}
	result, err := cs.downCallHandler(ctx, dc)
	if !dc.ServerAwaitsAnswer {
		if err != nil {
			cs.log.Error("fire-and-forget down-call failed locally", zap.Error(err))
		}
		return
	}
	resp := MethodDownCallResult{CallID: uint64(dc.ID)}
	if err != nil {
		resp.Error = &WireError{Name: "Error", Message: err.Error()}
	} else {
		resp.Result = result
	}
	payload, _ := json.Marshal(resp)
	if sendErr := cs.sendFrame(FrameMethodDownCallResult, payload); sendErr != nil {
		cs.log.Warn("send down-call result failed", zap.Error(sendErr))
	}
}

// ThrownValue wraps a value a server method threw that is not an error
// (spec §4.4 step 4 "thrown-value"; GLOSSARY / DESIGN NOTES "Exceptions as
// control flow"). Callers of DoCall type-assert for *ThrownValue to
// distinguish this from a genuine error.
type ThrownValue struct {
	Value json.RawMessage
}

func (t *ThrownValue) Error() string {
	return fmt.Sprintf("duplex: server method threw a non-error value: %s", string(t.Value))
}

// MethodError wraps a structured server-side error (spec §3 CallResult
// status "error").
type MethodError struct {
	Wire *WireError
}

func (e *MethodError) Error() string { return e.Wire.Message }
func (e *MethodError) Unwrap() error { return e.Wire }

// DoCall sends a method call and implements the full client retry loop of
// spec §4.4: cookie-session resync, single-flight security-property
// fetches, and retries on every recoverable protocol state.
func (cs *ClientSession) DoCall(ctx context.Context, classID, method string, args json.RawMessage) (json.RawMessage, error) {
	if err := cs.FatalError(); err != nil {
		return nil, fmt.Errorf("duplex: call failed, connection is fatal: %w", err)
	}

	for {
		if err := cs.syncCookieSessionBeforeCall(ctx); err != nil {
			return nil, err
		}

		result, err := cs.sendAndAwait(ctx, classID, method, args)
		if err != nil {
			return nil, err
		}

		switch result.Status {
		case StatusOK:
			return result.Result, nil
		case StatusThrownValue:
			return nil, &ThrownValue{Value: result.Result}
		case StatusError:
			return nil, &MethodError{Wire: result.Error}
		case StatusDroppedCookieSessOutdated:
			if _, err := cs.resyncAndPush(ctx, func(ctx context.Context) (CookieSessionAnswer, error) {
				return cs.resync.FetchAndSet(ctx, cs.currentCookieSessionRequest())
			}); err != nil {
				return nil, fmt.Errorf("duplex: resync after dropped cookie session: %w", err)
			}
			continue
		case StatusNeedsHTTPSecurity:
			answer, err := cs.fetchHTTPSecurity.Exec(ctx, result.SyncKey, func(ctx context.Context) (string, error) {
				return cs.resync.FetchHTTPSecurityProperties(ctx, result.SyncKey, result.Question)
			})
			if err != nil {
				return nil, fmt.Errorf("duplex: fetch http security properties: %w", err)
			}
			payload, _ := json.Marshal(UpdateHttpSecurityProperties{Token: answer})
			if err := cs.sendFrame(FrameUpdateHttpSecurityProperties, payload); err != nil {
				return nil, fmt.Errorf("duplex: send security properties answer: %w", err)
			}
			continue
		case StatusNeedsInitializedCookieSess:
			if err := cs.fixOutdatedCookieSession.ExpectIdle(); err != nil {
				return nil, fmt.Errorf("duplex: protocol violation: %w", err)
			}
			if _, err := cs.resyncAndPush(ctx, func(ctx context.Context) (CookieSessionAnswer, error) {
				return cs.resync.InitializeFromHTTP(ctx, result.Question)
			}); err != nil {
				return nil, fmt.Errorf("duplex: initialize cookie session: %w", err)
			}
			continue
		case StatusDoCookieSessionUpdate:
			if err := cs.fixOutdatedCookieSession.ExpectIdle(); err != nil {
				return nil, fmt.Errorf("duplex: protocol violation: %w", err)
			}
			if _, err := cs.resyncAndPush(ctx, func(ctx context.Context) (CookieSessionAnswer, error) {
				return cs.resync.UpdateOnHTTPAndSet(ctx, result.Token)
			}); err != nil {
				return nil, fmt.Errorf("duplex: commit cookie session update: %w", err)
			}
			// The call already succeeded server-side; do not retry.
			return result.Result, nil
		default:
			return nil, fmt.Errorf("duplex: protocol violation: unknown result status %q", result.Status)
		}
	}
}

// syncCookieSessionBeforeCall implements spec §4.4 client send-path steps
// 3a/3b: wait for any resync in flight, then poll the browser cookie and
// kick off a resync if it diverged, with hammer prevention against
// repeatedly requesting a resync that stays stale.
func (cs *ClientSession) syncCookieSessionBeforeCall(ctx context.Context) error {
	cs.fixOutdatedCookieSession.WaitTilIdle(ctx)

	if cs.resync == nil {
		return nil
	}
	browserState, ok := cs.resync.CurrentBrowserCookieState(ctx)
	if !ok {
		return nil
	}

	cs.mu.Lock()
	last := cs.lastSetOnServer
	staleTarget := cs.lastStaleTargetState
	cs.mu.Unlock()

	if browserState == last {
		return nil
	}
	if browserState == staleTarget {
		// Hammer prevention: we already tried resyncing to this exact
		// target and it remained stale; don't retry until it changes.
		return nil
	}

	result, err := cs.resyncAndPush(ctx, func(ctx context.Context) (CookieSessionAnswer, error) {
		return cs.resync.ResyncFromHTTP(ctx, cs.currentCookieSessionRequest())
	})
	if err != nil {
		return fmt.Errorf("duplex: resync cookie session from http: %w", err)
	}

	cs.mu.Lock()
	if result.State == browserState {
		cs.lastSetOnServer = result.State
		cs.lastStaleTargetState = session.State{}
	} else {
		cs.lastStaleTargetState = browserState
	}
	cs.mu.Unlock()
	return nil
}

// resyncAndPush runs op single-flighted, then relays the resulting answer
// token to the server via setCookieSession (spec §4.4 step 8's "refeeds us
// through setCookieSession"), returning the session for local caching.
func (cs *ClientSession) resyncAndPush(ctx context.Context, op func(context.Context) (CookieSessionAnswer, error)) (session.CookieSession, error) {
	answer, err := cs.fixOutdatedCookieSession.Exec(ctx, op)
	if err != nil {
		return session.CookieSession{}, err
	}
	payload, err := json.Marshal(SetCookieSession{Token: answer.Token})
	if err != nil {
		return session.CookieSession{}, fmt.Errorf("duplex: marshal setCookieSession: %w", err)
	}
	if err := cs.sendFrame(FrameSetCookieSession, payload); err != nil {
		return session.CookieSession{}, fmt.Errorf("duplex: send setCookieSession: %w", err)
	}
	return answer.Session, nil
}

func (cs *ClientSession) sendAndAwait(ctx context.Context, classID, method string, args json.RawMessage) (MethodCallResult, error) {
	cs.mu.Lock()
	cs.nextCallID++
	callID := cs.nextCallID
	d := concurrency.NewDeferredResult[MethodCallResult]()
	cs.pending[callID] = d
	cs.mu.Unlock()

	payload, err := json.Marshal(MethodCall{
		CallID:               callID,
		ServerSessionClassID: classID,
		MethodName:           method,
		Args:                 args,
	})
	if err != nil {
		cs.forgetPending(callID)
		return MethodCallResult{}, fmt.Errorf("duplex: marshal method call: %w", err)
	}

	if err := cs.sendFrame(FrameMethodCall, payload); err != nil {
		cs.forgetPending(callID)
		return MethodCallResult{}, fmt.Errorf("duplex: send method call: %w", err)
	}

	select {
	case <-d.Done():
		return d.Wait()
	case <-ctx.Done():
		cs.forgetPending(callID)
		return MethodCallResult{}, ctx.Err()
	case <-cs.Done():
		cs.forgetPending(callID)
		return MethodCallResult{}, connClosedErr(cs.Connection)
	}
}

func (cs *ClientSession) forgetPending(callID uint64) {
	cs.mu.Lock()
	delete(cs.pending, callID)
	cs.mu.Unlock()
}

// RejectAllPending rejects every outstanding DeferredResult, as required at
// connection close (spec §4.4 invariant).
func (cs *ClientSession) RejectAllPending(reason error) {
	cs.mu.Lock()
	pending := cs.pending
	cs.pending = make(map[uint64]*concurrency.DeferredResult[MethodCallResult])
	cs.mu.Unlock()

	for _, d := range pending {
		d.Reject(reason)
	}
}

