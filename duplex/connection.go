package duplex

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/restfuncs/restfuncs-go/channelitems"
	"github.com/restfuncs/restfuncs-go/streampipe"
	"github.com/restfuncs/restfuncs-go/wireformat"
	"go.uber.org/zap"
)

// Transport is the duplex, ordered, message-oriented channel the state
// machine rides on (spec §6). Concrete implementations live in the
// transport package.
type Transport interface {
	// Send writes one frame to the wire. Implementations must preserve
	// ordering: Send calls complete in the order the caller issued them
	// relative to the outbound sequence counter.
	Send(frame string) error
	// Recv returns a channel of inbound frames, closed when the transport
	// closes.
	Recv() <-chan string
	// Close closes the transport with the given reason.
	Close(reason string) error
}

// State is the connection lifecycle state (spec §4.4).
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosed
)

// Connection holds the fields shared by both the client and server sides
// (spec §3 Connection): identity, sequence counters, the channel-item
// registries, and the fatal-error / close bookkeeping.
type Connection struct {
	ID string

	// ClientSide selects whether outbound frames carry a sequence number
	// (client->server frames do, per spec §6; server->client frames don't).
	ClientSide bool

	log *zap.Logger

	transport Transport

	mu          sync.Mutex
	state       State
	fatalError  error
	closeReason string

	outboundSeq uint64
	inboundSeq  uint64

	SentItems     *channelitems.SentItems
	ReceivedItems *channelitems.ReceivedItems

	streamMu         sync.Mutex
	outgoingReaders  map[int64]io.Reader
	outgoingRequests map[int64]chan int
	incomingStreams  map[int64]*streampipe.RemoteReader

	closed chan struct{}
}

// NewConnection wraps transport in a Connection, starting in StateOpening.
// log may be nil, in which case a no-op logger is used.
func NewConnection(id string, clientSide bool, transport Transport, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Connection{
		ID:               id,
		ClientSide:       clientSide,
		log:              log.With(zap.String("connectionId", id)),
		transport:        transport,
		state:            StateOpening,
		outgoingReaders:  make(map[int64]io.Reader),
		outgoingRequests: make(map[int64]chan int),
		incomingStreams:  make(map[int64]*streampipe.RemoteReader),
		closed:           make(chan struct{}),
	}
	c.ReceivedItems = channelitems.NewReceivedItems(c.LastInboundSeq, c.sendNotUsedAnymore)
	c.SentItems = channelitems.NewSentItems()
	return c
}

func (c *Connection) sendNotUsedAnymore(id int64, time uint64) {
	payload, err := json.Marshal(ChannelItemNotUsedAnymore{ID: id, Time: time})
	if err != nil {
		c.log.Error("marshal not-used-anymore", zap.Error(err))
		return
	}
	if err := c.sendFrame(FrameChannelItemNotUsedAnymore, payload); err != nil {
		c.log.Warn("send not-used-anymore failed", zap.Error(err))
	}
}

// MarkOpen transitions Opening -> Open.
func (c *Connection) MarkOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpening {
		c.state = StateOpen
	}
}

// NextOutboundSeq returns the next strictly increasing outbound sequence
// number (spec §5 Ordering).
func (c *Connection) NextOutboundSeq() uint64 {
	return atomic.AddUint64(&c.outboundSeq, 1)
}

// LastInboundSeq reports the most recently observed inbound sequence
// number, used as the "time" field when a received proxy is released.
func (c *Connection) LastInboundSeq() uint64 {
	return atomic.LoadUint64(&c.inboundSeq)
}

// observeInboundSeq records the sequence number of a just-received
// client->server frame and rejects gaps/regressions (spec §8 invariant).
func (c *Connection) observeInboundSeq(seq uint64) error {
	prev := atomic.LoadUint64(&c.inboundSeq)
	if seq != prev+1 {
		return fmt.Errorf("duplex: sequence number violation: got %d, expected %d", seq, prev+1)
	}
	atomic.StoreUint64(&c.inboundSeq, seq)
	return nil
}

func (c *Connection) sendFrame(frameType string, payload []byte) error {
	f := wireformat.Frame{Type: frameType, Payload: payload}
	if c.ClientSide {
		seq := c.NextOutboundSeq()
		f.SequenceNumber = &seq
	}
	encoded, err := wireformat.Encode(f)
	if err != nil {
		return fmt.Errorf("duplex: encode frame: %w", err)
	}
	return c.transport.Send(encoded)
}

// Fatal transitions the connection to Closed with a fatal error, rejecting
// all outstanding work. Implementations of the client/server state machines
// must call this on protocol violations and transport errors (spec §4.4,
// §7).
func (c *Connection) Fatal(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.fatalError = err
	c.mu.Unlock()

	c.log.Error("connection fatal", zap.Error(err))
	_ = c.transport.Close(err.Error())
	c.SentItems.Clear()
	c.ReceivedItems.Clear()
	c.failIncomingStreams(err)
	close(c.closed)
}

// Close closes the connection without a fatal error (user-initiated).
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.closeReason = reason
	c.mu.Unlock()

	_ = c.transport.Close(reason)
	c.SentItems.Clear()
	c.ReceivedItems.Clear()
	c.failIncomingStreams(connClosedErr(c))
	close(c.closed)
}

// Done returns a channel closed once the connection has left StateOpen.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// FatalError returns the error that closed the connection, if any.
func (c *Connection) FatalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalError
}

// IsClosed reports whether the connection has left StateOpen.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed
}

func connClosedErr(c *Connection) error {
	if err := c.FatalError(); err != nil {
		return fmt.Errorf("duplex: connection closed: %w", err)
	}
	return fmt.Errorf("duplex: connection closed")
}
