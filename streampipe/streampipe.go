// Package streampipe implements the readable-stream proxy of spec §4.8: a
// local io.Reader is pumped into streamData frames honoring pull-based
// backpressure, and an incoming stream is surfaced as a local io.Reader fed
// by streamData frames as they arrive. Modeled on the teacher's streamable
// body pumps in mcp/streamable.go (a goroutine reading from a channel of
// chunks until EOF or cancellation).
package streampipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// FrameSender delivers one outbound streamData frame. Implementations plug
// into a duplex.Connection.
type FrameSender interface {
	SendStreamData(id int64, data []byte, eof bool) error
}

// Pump reads from src and sends it across the channel as streamData frames,
// sending at most one pending chunk per pull request (spec §4.8
// backpressure). Pump blocks until src is exhausted, ctx is canceled, or an
// error occurs.
func Pump(ctx context.Context, id int64, src io.Reader, sender FrameSender, requests <-chan int) error {
	buf := make([]byte, 0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case size, ok := <-requests:
			if !ok {
				return nil
			}
			if cap(buf) < size {
				buf = make([]byte, size)
			}
			n, err := src.Read(buf[:size])
			if n > 0 {
				if sendErr := sender.SendStreamData(id, append([]byte(nil), buf[:n]...), false); sendErr != nil {
					return fmt.Errorf("streampipe: send chunk: %w", sendErr)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return sender.SendStreamData(id, nil, true)
				}
				return fmt.Errorf("streampipe: read source: %w", err)
			}
		}
	}
}

// RemoteReader surfaces an incoming stream as a local io.Reader. Feed
// arriving streamData frames to Deliver; Read blocks until data, EOF, or an
// error is available.
type RemoteReader struct {
	id int64

	mu     sync.Mutex
	buf    []byte
	eof    bool
	err    error
	notify chan struct{}
}

// NewRemoteReader returns a RemoteReader for stream id.
func NewRemoteReader(id int64) *RemoteReader {
	return &RemoteReader{id: id, notify: make(chan struct{}, 1)}
}

// Deliver appends an arriving chunk and marks EOF when eof is true. A
// streamData frame for an id this reader didn't introduce is the caller's
// responsibility to reject as a protocol violation (spec §5 Ordering) before
// calling Deliver.
func (r *RemoteReader) Deliver(data []byte, eof bool) {
	r.mu.Lock()
	if data != nil {
		r.buf = append(r.buf, data...)
	}
	if eof {
		r.eof = true
	}
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Fail marks the stream as permanently errored, e.g. on connection close.
func (r *RemoteReader) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Read implements io.Reader.
func (r *RemoteReader) Read(p []byte) (int, error) {
	for {
		r.mu.Lock()
		if len(r.buf) > 0 {
			n := copy(p, r.buf)
			r.buf = r.buf[n:]
			r.mu.Unlock()
			return n, nil
		}
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return 0, err
		}
		if r.eof {
			r.mu.Unlock()
			return 0, io.EOF
		}
		r.mu.Unlock()
		<-r.notify
	}
}
