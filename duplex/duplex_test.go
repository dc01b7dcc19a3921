package duplex

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/restfuncs/restfuncs-go/security"
	"github.com/restfuncs/restfuncs-go/session"
	"github.com/restfuncs/restfuncs-go/tokenbox"
	"github.com/restfuncs/restfuncs-go/wireformat"
)

// pipeTransport connects two in-process Transports back to back, the way a
// real websocket would, without needing a network round trip.
type pipeTransport struct {
	out    chan string
	in     <-chan string
	closed chan struct{}
}

func newPipePair() (a, b *pipeTransport) {
	ab := make(chan string, 64)
	ba := make(chan string, 64)
	a = &pipeTransport{out: ab, in: ba, closed: make(chan struct{})}
	b = &pipeTransport{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (p *pipeTransport) Send(frame string) error {
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return errClosed
	}
}

func (p *pipeTransport) Recv() <-chan string { return p.in }

func (p *pipeTransport) Close(reason string) error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

var errClosed = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "pipeTransport: closed" }

// fixedInvoker always returns the same MethodResult, ignoring the call.
type fixedInvoker struct {
	result MethodResult
	err    error
}

func (f *fixedInvoker) Invoke(ctx context.Context, call MethodCall, props security.RequestProperties, readWasProven bool, ss *ServerSession) (MethodResult, error) {
	return f.result, f.err
}

// noResync is a CookieSessionResync that never observes a browser cookie,
// used for calls that don't exercise the two-sides problem.
type noResync struct{}

func (noResync) CurrentBrowserCookieState(ctx context.Context) (session.State, bool) {
	return session.State{}, false
}
func (noResync) ResyncFromHTTP(ctx context.Context, question string) (CookieSessionAnswer, error) {
	return CookieSessionAnswer{}, nil
}
func (noResync) FetchAndSet(ctx context.Context, question string) (CookieSessionAnswer, error) {
	return CookieSessionAnswer{}, nil
}
func (noResync) InitializeFromHTTP(ctx context.Context, question string) (CookieSessionAnswer, error) {
	return CookieSessionAnswer{}, nil
}
func (noResync) UpdateOnHTTPAndSet(ctx context.Context, updateToken string) (CookieSessionAnswer, error) {
	return CookieSessionAnswer{}, nil
}
func (noResync) FetchHTTPSecurityProperties(ctx context.Context, syncKey, question string) (string, error) {
	return "", nil
}

// fetchingSecurityResync answers a needs-http-security question with a real
// sealed answer token built against the same boxes the server uses.
type fetchingSecurityResync struct {
	noResync
	connID     string
	qBox, aBox *tokenbox.Box
}

func (r *fetchingSecurityResync) FetchHTTPSecurityProperties(ctx context.Context, syncKey, question string) (string, error) {
	var q struct {
		ConnectionID string `json:"connectionId"`
		ClassID      string `json:"classId"`
	}
	if err := r.qBox.Open(r.connID, question, &q); err != nil {
		return "", err
	}
	return r.aBox.Seal(q.ConnectionID, struct {
		Question   string                     `json:"question"`
		Properties security.RequestProperties `json:"properties"`
	}{Question: question, Properties: security.RequestProperties{MethodIsSafe: true}})
}

func newTestBoxes(t *testing.T) ServerSessionConfig {
	t.Helper()
	mk := func(purpose string) *tokenbox.Box {
		b, err := tokenbox.New(purpose, 0)
		if err != nil {
			t.Fatalf("tokenbox.New(%q): %v", purpose, err)
		}
		return b
	}
	return ServerSessionConfig{
		SessionStore:      session.NewMemoryStore(),
		GateConfig:        security.GateConfig{GroupID: "default"},
		CookieQuestionBox: mk(tokenbox.PurposeGetCookieSessionQuestion),
		CookieAnswerBox:   mk(tokenbox.PurposeGetCookieSessionAnswer),
		SecurityQBox:      mk(tokenbox.PurposeGetHttpSecurityPropQuestion),
		SecurityABox:      mk(tokenbox.PurposeGetHttpSecurityPropAnswer),
		UpdateBox:         mk(tokenbox.PurposeCookieSessionUpdate),
	}
}

func TestDoCallHappyPath(t *testing.T) {
	clientT, serverT := newPipePair()

	cfg := newTestBoxes(t)
	cfg.Invoker = &fixedInvoker{result: MethodResult{Result: json.RawMessage(`"ok-result"`)}}

	ss, err := NewServerSession("conn-1", serverT, cfg, nil)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ss.Run(ctx)

	cs := NewClientSession("conn-1", clientT, &fetchingSecurityResync{connID: "conn-1", qBox: cfg.SecurityQBox, aBox: cfg.SecurityABox}, nil)
	go cs.Run(ctx)

	// First call: server has no cached security properties for this class,
	// so DoCall must resolve needs-http-security before returning ok.
	result, err := cs.DoCall(ctx, "MySession", "greet", json.RawMessage(`[]`))
	if err != nil {
		t.Fatalf("DoCall: %v", err)
	}
	if string(result) != `"ok-result"` {
		t.Fatalf("got %s", result)
	}

	// Second call: security properties are now cached, should resolve
	// directly without another round trip.
	result2, err := cs.DoCall(ctx, "MySession", "greet", json.RawMessage(`[]`))
	if err != nil {
		t.Fatalf("second DoCall: %v", err)
	}
	if string(result2) != `"ok-result"` {
		t.Fatalf("got %s", result2)
	}
}

func TestDoCallThrownValue(t *testing.T) {
	clientT, serverT := newPipePair()
	cfg := newTestBoxes(t)
	cfg.Invoker = &fixedInvoker{result: MethodResult{Thrown: json.RawMessage(`{"custom":true}`)}}

	ss, err := NewServerSession("conn-2", serverT, cfg, nil)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ss.Run(ctx)

	cs := NewClientSession("conn-2", clientT, &fetchingSecurityResync{connID: "conn-2", qBox: cfg.SecurityQBox, aBox: cfg.SecurityABox}, nil)
	go cs.Run(ctx)

	_, err = cs.DoCall(ctx, "MySession", "breaks", json.RawMessage(`[]`))
	var thrown *ThrownValue
	if !asThrown(err, &thrown) {
		t.Fatalf("expected *ThrownValue, got %v (%T)", err, err)
	}
	if string(thrown.Value) != `{"custom":true}` {
		t.Fatalf("got %s", thrown.Value)
	}
}

func asThrown(err error, out **ThrownValue) bool {
	tv, ok := err.(*ThrownValue)
	if !ok {
		return false
	}
	*out = tv
	return true
}

func TestDoCallMethodError(t *testing.T) {
	clientT, serverT := newPipePair()
	cfg := newTestBoxes(t)
	cfg.Invoker = &fixedInvoker{result: MethodResult{Err: &WireError{Name: "TypeError", Message: "bad args"}}}

	ss, err := NewServerSession("conn-3", serverT, cfg, nil)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ss.Run(ctx)

	cs := NewClientSession("conn-3", clientT, &fetchingSecurityResync{connID: "conn-3", qBox: cfg.SecurityQBox, aBox: cfg.SecurityABox}, nil)
	go cs.Run(ctx)

	_, err = cs.DoCall(ctx, "MySession", "fails", json.RawMessage(`[]`))
	var methodErr *MethodError
	if err == nil {
		t.Fatal("expected an error")
	}
	if me, ok := err.(*MethodError); ok {
		methodErr = me
	} else {
		t.Fatalf("expected *MethodError, got %T: %v", err, err)
	}
	if methodErr.Wire.Message != "bad args" {
		t.Fatalf("got %q", methodErr.Wire.Message)
	}
}

func TestRejectAllPendingOnClose(t *testing.T) {
	clientT, _ := newPipePair()
	cs := NewClientSession("conn-4", clientT, noResync{}, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := cs.sendAndAwait(ctx, "X", "m", json.RawMessage(`[]`))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cs.Fatal(errClosed)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after Fatal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was never rejected")
	}
}

// TestClientCachesCookieSessionRequestFromInit confirms the client caches
// the handshake "init" frame's cookieSessionRequest token, since it is the
// only question source ResyncFromHTTP/FetchAndSet have (spec §4.4's
// dropped-cookie-session-outdated and browser-cookie-divergence resync
// paths both depend on it).
func TestClientCachesCookieSessionRequestFromInit(t *testing.T) {
	clientT, _ := newPipePair()
	cs := NewClientSession("conn-7", clientT, noResync{}, nil)

	payload, err := json.Marshal(Init{CookieSessionRequest: "tok-abc"})
	if err != nil {
		t.Fatalf("marshal init: %v", err)
	}
	frame, err := wireformat.Encode(wireformat.Frame{Type: FrameInit, Payload: payload})
	if err != nil {
		t.Fatalf("encode init frame: %v", err)
	}
	if err := cs.handleFrame(context.Background(), frame); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	if got := cs.currentCookieSessionRequest(); got != "tok-abc" {
		t.Fatalf("got %q, want %q", got, "tok-abc")
	}
}

func TestServerDeniesMissingSecurityPropertiesUntilFetched(t *testing.T) {
	clientT, serverT := newPipePair()
	cfg := newTestBoxes(t)
	cfg.Invoker = &fixedInvoker{result: MethodResult{Result: json.RawMessage(`1`)}}

	ss, err := NewServerSession("conn-5", serverT, cfg, nil)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ss.Run(ctx)

	// A client whose resync answers the needs-http-security question with an
	// empty token: the server never gets security properties, so DoCall keeps
	// retrying until callCtx expires.
	cs := NewClientSession("conn-5", clientT, noResync{}, nil)
	go cs.Run(ctx)

	callCtx, callCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer callCancel()
	_, err = cs.DoCall(callCtx, "MySession", "m", json.RawMessage(`[]`))
	if err == nil {
		t.Fatal("expected a timeout error since security properties were never supplied")
	}
}
