package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/restfuncs/restfuncs-go/channelitems"
	"github.com/restfuncs/restfuncs-go/concurrency"
	"github.com/restfuncs/restfuncs-go/security"
	"github.com/restfuncs/restfuncs-go/session"
	"github.com/restfuncs/restfuncs-go/tokenbox"
	"github.com/restfuncs/restfuncs-go/wireformat"
	"go.uber.org/zap"
)

// MethodResult is what doCall_outer (the external, user-provided session
// dispatch; spec §1, §4.4 server receive-path step 6) reports back to the
// duplex core.
type MethodResult struct {
	// Exactly one of Result/Thrown/Err is meaningful, selected the way a Go
	// function normally distinguishes a return value from an error; Thrown
	// additionally carries the non-error "throw" control-flow spec §9
	// requires be preserved verbatim.
	Result  json.RawMessage
	Thrown  json.RawMessage
	Err     *WireError

	// ModifiedSession, if non-nil, is the session the method's execution
	// produced; the server replies needs-initialized-cookie-session or
	// do-cookie-session-update depending on whether the session was
	// previously initialized (spec §4.4 steps 7-8).
	ModifiedSession *session.CookieSession
}

// MethodInvoker is the external collaborator that type-checks arguments,
// runs the security gate for session access, and executes the method (spec
// §1's "reflection-based runtime type checker" and "user-facing server-
// session classes", both out of core scope). ss is passed through so an
// invoker can materialize callback/stream DTOs found in call.Args via
// ss.ReceiveCallback/ss.ReceiveStream, embed new ones in its result via
// ss.SendCallback/ss.SendStream, and invoke a received callback via
// ss.InvokeCallback (spec §4.3, §4.8).
type MethodInvoker interface {
	Invoke(ctx context.Context, call MethodCall, props security.RequestProperties, readWasProven bool, ss *ServerSession) (MethodResult, error)
}

// ServerSession is the server side of the duplex state machine (spec §4.4
// "Server receive path").
type ServerSession struct {
	*Connection

	invoker      MethodInvoker
	sessionStore session.Store
	gateConfig   security.GateConfig

	cookieQuestionBox *tokenbox.Box
	cookieAnswerBox   *tokenbox.Box
	securityQBox      *tokenbox.Box
	securityABox      *tokenbox.Box
	updateBox         *tokenbox.Box

	mu            sync.Mutex
	cookieSession session.CookieSession
	cookieInited  bool
	securityProps map[string]security.RequestProperties // keyed by group/class

	syncKeyCounter uint64

	downMu           sync.Mutex
	nextDownCallID   uint64
	pendingDownCalls map[uint64]*concurrency.DeferredResult[MethodDownCallResult]
}

// ServerSessionConfig bundles the shared token boxes (spec §3 Tokens) a
// server needs; callers typically construct one set of boxes per process
// and share it across every ServerSession.
type ServerSessionConfig struct {
	Invoker           MethodInvoker
	SessionStore      session.Store
	GateConfig        security.GateConfig
	CookieQuestionBox *tokenbox.Box
	CookieAnswerBox   *tokenbox.Box
	SecurityQBox      *tokenbox.Box
	SecurityABox      *tokenbox.Box
	UpdateBox         *tokenbox.Box
}

// NewServerSession builds a ServerSession and sends the initial "init"
// handshake frame carrying a fresh GetCookieSessionQuestion token (spec §4.4
// "Opening->Open").
func NewServerSession(id string, transport Transport, cfg ServerSessionConfig, log *zap.Logger) (*ServerSession, error) {
	ss := &ServerSession{
		Connection:        NewConnection(id, false, transport, log),
		invoker:           cfg.Invoker,
		sessionStore:      cfg.SessionStore,
		gateConfig:        cfg.GateConfig,
		cookieQuestionBox: cfg.CookieQuestionBox,
		cookieAnswerBox:   cfg.CookieAnswerBox,
		securityQBox:      cfg.SecurityQBox,
		securityABox:      cfg.SecurityABox,
		updateBox:         cfg.UpdateBox,
		securityProps:     make(map[string]security.RequestProperties),
		pendingDownCalls:  make(map[uint64]*concurrency.DeferredResult[MethodDownCallResult]),
	}

	question, err := ss.cookieQuestionBox.Seal(id, cookieSessionQuestionPayload{ConnectionID: id, ForceInitialize: false})
	if err != nil {
		return nil, fmt.Errorf("duplex: seal cookie session question: %w", err)
	}
	payload, err := json.Marshal(Init{CookieSessionRequest: question})
	if err != nil {
		return nil, fmt.Errorf("duplex: marshal init: %w", err)
	}
	if err := ss.sendFrame(FrameInit, payload); err != nil {
		return nil, fmt.Errorf("duplex: send init: %w", err)
	}
	ss.MarkOpen()
	return ss, nil
}

type cookieSessionQuestionPayload struct {
	ConnectionID    string `json:"connectionId"`
	ForceInitialize bool   `json:"forceInitialize"`
}

type cookieSessionAnswerPayload struct {
	Question      string               `json:"question"`
	CookieSession session.CookieSession `json:"cookieSession"`
}

type securityQuestionPayload struct {
	ConnectionID string `json:"connectionId"`
	ClassID      string `json:"classId"`
}

type securityAnswerPayload struct {
	Question   string                      `json:"question"`
	Properties security.RequestProperties `json:"properties"`
}

type cookieSessionUpdatePayload struct {
	ClassID    string                `json:"classId"`
	NewSession session.CookieSession `json:"newSession"`
}

// Run reads frames from the transport until it closes, dispatching
// methodCall, setCookieSession and updateHttpSecurityProperties frames.
func (ss *ServerSession) Run(ctx context.Context) {
	for {
		select {
		case raw, ok := <-ss.transport.Recv():
			if !ok {
				ss.Fatal(fmt.Errorf("duplex: transport closed"))
				ss.RejectAllPendingDownCalls(connClosedErr(ss.Connection))
				return
			}
			if err := ss.handleFrame(ctx, raw); err != nil {
				ss.Fatal(err)
				ss.RejectAllPendingDownCalls(connClosedErr(ss.Connection))
				return
			}
		case <-ctx.Done():
			ss.Close("context canceled")
			ss.RejectAllPendingDownCalls(connClosedErr(ss.Connection))
			return
		}
	}
}

func (ss *ServerSession) handleFrame(ctx context.Context, raw string) error {
	f, err := wireformat.Decode(raw)
	if err != nil {
		return fmt.Errorf("duplex: protocol violation: %w", err)
	}

	if f.SequenceNumber != nil {
		if err := ss.observeInboundSeq(*f.SequenceNumber); err != nil {
			return fmt.Errorf("duplex: protocol violation: %w", err)
		}
	}

	switch f.Type {
	case FrameMethodCall:
		var call MethodCall
		if err := wireformat.StrictUnmarshal(f.Payload, &call); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding methodCall: %w", err)
		}
		go ss.onMethodCall(ctx, call)
		return nil
	case FrameSetCookieSession:
		var msg SetCookieSession
		if err := wireformat.StrictUnmarshal(f.Payload, &msg); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding setCookieSession: %w", err)
		}
		ss.setCookieSession(ctx, msg.Token)
		return nil
	case FrameUpdateHttpSecurityProperties:
		var msg UpdateHttpSecurityProperties
		if err := wireformat.StrictUnmarshal(f.Payload, &msg); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding updateHttpSecurityProperties: %w", err)
		}
		ss.updateHTTPSecurityProperties(msg.Token)
		return nil
	case FrameMethodDownCallResult:
		var r MethodDownCallResult
		if err := wireformat.StrictUnmarshal(f.Payload, &r); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding methodDownCallResult: %w", err)
		}
		ss.resolveDownCall(r)
		return nil
	case FrameStreamDataRequest:
		var req StreamDataRequest
		if err := wireformat.StrictUnmarshal(f.Payload, &req); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding streamDataRequest: %w", err)
		}
		ss.handleStreamDataRequest(ctx, req)
		return nil
	case FrameStreamData:
		var data StreamData
		if err := wireformat.StrictUnmarshal(f.Payload, &data); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding streamData: %w", err)
		}
		ss.handleStreamData(data)
		return nil
	case FrameGetVersion:
		return nil
	case FrameChannelItemNotUsedAnymore:
		var n ChannelItemNotUsedAnymore
		if err := wireformat.StrictUnmarshal(f.Payload, &n); err != nil {
			return fmt.Errorf("duplex: protocol violation decoding channelItemNotUsedAnymore: %w", err)
		}
		ss.SentItems.HandleNotUsedAnymore(n.ID, n.Time)
		return nil
	default:
		return nil
	}
}

// onMethodCall implements spec §4.4's server receive path in full.
func (ss *ServerSession) onMethodCall(ctx context.Context, call MethodCall) {
	reply := func(r MethodCallResult) {
		r.CallID = call.CallID
		payload, err := json.Marshal(r)
		if err != nil {
			ss.log.Error("marshal methodCallResult", zap.Error(err))
			return
		}
		if err := ss.sendFrame(FrameMethodCallResult, payload); err != nil {
			ss.log.Warn("send methodCallResult failed", zap.Error(err))
		}
	}

	ss.mu.Lock()
	cookieSession := ss.cookieSession
	inited := ss.cookieInited
	ss.mu.Unlock()

	if inited && session.IsOutdatedSentinel(cookieSession) {
		reply(MethodCallResult{Status: StatusDroppedCookieSessOutdated})
		return
	}

	if inited && ss.sessionStore != nil {
		latest, err := ss.sessionStore.IsLatest(ctx, cookieSession.ID, cookieSession.Version)
		if err == nil && !latest {
			ss.mu.Lock()
			ss.cookieSession = session.Outdated
			ss.mu.Unlock()
			reply(MethodCallResult{Status: StatusDroppedCookieSessOutdated})
			return
		}
	}

	ss.mu.Lock()
	props, haveProps := ss.securityProps[call.ServerSessionClassID]
	ss.mu.Unlock()
	if !haveProps {
		syncKey := fmt.Sprintf("%s:%d", call.ServerSessionClassID, atomic.AddUint64(&ss.syncKeyCounter, 1))
		question, err := ss.securityQBox.Seal(ss.ID, securityQuestionPayload{ConnectionID: ss.ID, ClassID: call.ServerSessionClassID})
		if err != nil {
			ss.log.Error("seal security question", zap.Error(err))
			reply(MethodCallResult{Status: StatusError, Error: &WireError{Name: "Error", Message: "internal error"}})
			return
		}
		reply(MethodCallResult{Status: StatusNeedsHTTPSecurity, Question: question, SyncKey: syncKey})
		return
	}

	result, err := ss.invoker.Invoke(ctx, call, props, true, ss)
	if err != nil {
		reply(MethodCallResult{Status: StatusError, Error: &WireError{Name: "Error", Message: err.Error()}, HTTPStatusCode: 500})
		return
	}

	if result.ModifiedSession != nil {
		ss.mu.Lock()
		wasInited := ss.cookieInited
		ss.mu.Unlock()

		if !wasInited {
			question, err := ss.cookieQuestionBox.Seal(ss.ID, cookieSessionQuestionPayload{ConnectionID: ss.ID, ForceInitialize: true})
			if err != nil {
				ss.log.Error("seal initialize question", zap.Error(err))
				reply(MethodCallResult{Status: StatusError, Error: &WireError{Name: "Error", Message: "internal error"}})
				return
			}
			reply(MethodCallResult{Status: StatusNeedsInitializedCookieSess, Question: question})
			return
		}

		ss.mu.Lock()
		ss.cookieSession = session.Outdated
		ss.mu.Unlock()

		token, err := ss.updateBox.Seal(ss.ID, cookieSessionUpdatePayload{ClassID: call.ServerSessionClassID, NewSession: *result.ModifiedSession})
		if err != nil {
			ss.log.Error("seal cookie session update", zap.Error(err))
			reply(MethodCallResult{Status: StatusError, Error: &WireError{Name: "Error", Message: "internal error"}})
			return
		}
		reply(MethodCallResult{Status: StatusDoCookieSessionUpdate, Token: token, Result: result.Result})
		return
	}

	switch {
	case result.Thrown != nil:
		reply(MethodCallResult{Status: StatusThrownValue, Result: result.Thrown})
	case result.Err != nil:
		reply(MethodCallResult{Status: StatusError, Error: result.Err, HTTPStatusCode: result.Err.HTTPStatusCode})
	default:
		reply(MethodCallResult{Status: StatusOK, Result: result.Result})
	}
}

// setCookieSession validates token and, if valid, replaces the cached
// session view. Invalid tokens or version regressions are ignored, not
// fatal (spec §4.4 "setCookieSession"): the state machine always
// re-attempts. Four of the five legal contexts (spec §4.4 "Four legal
// contexts A-E") carry an embedded question this connection itself issued
// and asked the client to answer (the initial handshake, an outdated-session
// refetch, a required initialization, and a browser-detected foreign
// change); the fifth — committing a server-issued CookieSessionUpdate back
// to the server — carries no question, since nothing was asked, so an empty
// answer.Question skips that check.
func (ss *ServerSession) setCookieSession(ctx context.Context, token string) {
	var answer cookieSessionAnswerPayload
	if err := ss.cookieAnswerBox.Open(ss.ID, token, &answer); err != nil {
		ss.log.Warn("setCookieSession: invalid token, ignoring", zap.Error(err))
		return
	}
	if answer.Question != "" {
		var q cookieSessionQuestionPayload
		if err := ss.cookieQuestionBox.Open(ss.ID, answer.Question, &q); err != nil {
			ss.log.Warn("setCookieSession: invalid embedded question, ignoring", zap.Error(err))
			return
		}
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.cookieInited && answer.CookieSession.Version <= ss.cookieSession.Version && ss.cookieSession.ID == answer.CookieSession.ID {
		return // regression: ignored, not fatal
	}
	ss.cookieSession = answer.CookieSession
	ss.cookieInited = true
}

// updateHTTPSecurityProperties stores the answer to a prior
// needs-http-security question under the class it was asked for.
func (ss *ServerSession) updateHTTPSecurityProperties(token string) {
	var answer securityAnswerPayload
	if err := ss.securityABox.Open(ss.ID, token, &answer); err != nil {
		ss.log.Warn("updateHttpSecurityProperties: invalid token, ignoring", zap.Error(err))
		return
	}

	var q securityQuestionPayload
	if err := ss.securityQBox.Open(ss.ID, answer.Question, &q); err != nil {
		ss.log.Warn("updateHttpSecurityProperties: invalid embedded question, ignoring", zap.Error(err))
		return
	}

	ss.mu.Lock()
	ss.securityProps[q.ClassID] = answer.Properties
	ss.mu.Unlock()
}

// InvokeCallback invokes a callback proxy the client previously sent as a
// method-call argument or result, sending a down-call frame and awaiting the
// client's answer (spec GLOSSARY "Down-call").
func (ss *ServerSession) InvokeCallback(ctx context.Context, proxy *channelitems.Proxy, args json.RawMessage) (json.RawMessage, error) {
	if proxy.Kind != channelitems.KindCallback {
		return nil, fmt.Errorf("duplex: proxy %d is not a callback", proxy.ID)
	}

	id := atomic.AddUint64(&ss.nextDownCallID, 1)
	d := concurrency.NewDeferredResult[MethodDownCallResult]()
	ss.downMu.Lock()
	ss.pendingDownCalls[id] = d
	ss.downMu.Unlock()

	payload, err := json.Marshal(DownCall{ID: int64(id), CallbackFnID: proxy.ID, Args: args, ServerAwaitsAnswer: true})
	if err != nil {
		ss.forgetDownCall(id)
		return nil, fmt.Errorf("duplex: marshal down call: %w", err)
	}
	if err := ss.sendFrame(FrameDownCall, payload); err != nil {
		ss.forgetDownCall(id)
		return nil, fmt.Errorf("duplex: send down call: %w", err)
	}

	select {
	case <-d.Done():
		r, err := d.Wait()
		if err != nil {
			return nil, err
		}
		if r.Error != nil {
			return nil, &MethodError{Wire: r.Error}
		}
		return r.Result, nil
	case <-ctx.Done():
		ss.forgetDownCall(id)
		return nil, ctx.Err()
	case <-ss.Done():
		ss.forgetDownCall(id)
		return nil, connClosedErr(ss.Connection)
	}
}

func (ss *ServerSession) forgetDownCall(id uint64) {
	ss.downMu.Lock()
	delete(ss.pendingDownCalls, id)
	ss.downMu.Unlock()
}

func (ss *ServerSession) resolveDownCall(r MethodDownCallResult) {
	ss.downMu.Lock()
	d, ok := ss.pendingDownCalls[r.CallID]
	if ok {
		delete(ss.pendingDownCalls, r.CallID)
	}
	ss.downMu.Unlock()
	if ok {
		d.Resolve(r)
	}
}

// RejectAllPendingDownCalls rejects every outstanding down-call, as required
// at connection close (spec §4.4 invariant).
func (ss *ServerSession) RejectAllPendingDownCalls(reason error) {
	ss.downMu.Lock()
	pending := ss.pendingDownCalls
	ss.pendingDownCalls = make(map[uint64]*concurrency.DeferredResult[MethodDownCallResult])
	ss.downMu.Unlock()

	for _, d := range pending {
		d.Reject(reason)
	}
}
