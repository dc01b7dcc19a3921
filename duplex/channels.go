package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/restfuncs/restfuncs-go/channelitems"
	"github.com/restfuncs/restfuncs-go/streampipe"
	"go.uber.org/zap"
)

// defaultStreamChunkSize bounds how much a single streamDataRequest asks for
// (spec §4.8 pull-based backpressure).
const defaultStreamChunkSize = 32 * 1024

// SendCallback registers cb in SentItems and returns its DTO, for embedding
// a callback argument or result value in a method call, a method result, or
// a down-call (spec §4.3).
// The item is recorded at the last outbound sequence number already used,
// so registering it does not open a gap in the sequence the peer checks.
func (c *Connection) SendCallback(cb channelitems.Item) channelitems.DTO {
	return c.SentItems.RecordSend(cb, channelitems.KindCallback, atomic.LoadUint64(&c.outboundSeq))
}

// ReceiveCallback materializes the proxy for a callback DTO id arriving in a
// method call's arguments, a method result, or a down-call (spec §4.3).
func (c *Connection) ReceiveCallback(id int64) *channelitems.Proxy {
	return c.ReceivedItems.Materialize(id, channelitems.KindCallback)
}

// SendStream registers r as an outgoing readable stream and returns its
// DTO. The pump itself only starts once the peer asks for the first chunk
// via streamDataRequest (spec §4.8).
func (c *Connection) SendStream(r io.Reader) channelitems.DTO {
	dto := c.SentItems.RecordSend(r, channelitems.KindReadable, atomic.LoadUint64(&c.outboundSeq))
	c.streamMu.Lock()
	c.outgoingReaders[dto.ID] = r
	c.streamMu.Unlock()
	return dto
}

// ReceiveStream materializes the local io.Reader fed by streamData frames
// for id, kicking off the pull loop with an initial request.
func (c *Connection) ReceiveStream(id int64) io.Reader {
	c.streamMu.Lock()
	rr, ok := c.incomingStreams[id]
	if !ok {
		rr = streampipe.NewRemoteReader(id)
		c.incomingStreams[id] = rr
	}
	c.streamMu.Unlock()
	c.requestStreamData(id, defaultStreamChunkSize)
	return rr
}

// EncodeDTO marshals dto for embedding in a method call's arguments or a
// method result (spec §3 ChannelItemDTO).
func EncodeDTO(dto channelitems.DTO) (json.RawMessage, error) {
	return json.Marshal(dto)
}

// DecodeDTO attempts to interpret raw as a channel-item DTO. ok is false
// when raw doesn't carry a recognized _dtoType, the normal case for a plain
// argument value.
func DecodeDTO(raw json.RawMessage) (channelitems.DTO, bool) {
	var dto channelitems.DTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return channelitems.DTO{}, false
	}
	if dto.Type != channelitems.KindCallback && dto.Type != channelitems.KindReadable {
		return channelitems.DTO{}, false
	}
	return dto, true
}

// SendStreamData implements streampipe.FrameSender, delivering one
// outbound streamData frame.
func (c *Connection) SendStreamData(id int64, data []byte, eof bool) error {
	payload, err := json.Marshal(StreamData{ID: id, Data: data, EOF: eof})
	if err != nil {
		return fmt.Errorf("duplex: marshal streamData: %w", err)
	}
	return c.sendFrame(FrameStreamData, payload)
}

// handleStreamDataRequest services an inbound streamDataRequest frame,
// lazily starting the stream's pump goroutine on the first request for id
// (spec §4.8).
func (c *Connection) handleStreamDataRequest(ctx context.Context, req StreamDataRequest) {
	c.streamMu.Lock()
	reqCh, started := c.outgoingRequests[req.ID]
	if !started {
		r, ok := c.outgoingReaders[req.ID]
		if !ok {
			c.streamMu.Unlock()
			return // unknown or already-released stream id, not fatal
		}
		reqCh = make(chan int, 8)
		c.outgoingRequests[req.ID] = reqCh
		c.streamMu.Unlock()
		go c.pumpStream(ctx, req.ID, r, reqCh)
	} else {
		c.streamMu.Unlock()
	}
	select {
	case reqCh <- req.Size:
	default:
	}
}

func (c *Connection) pumpStream(ctx context.Context, id int64, r io.Reader, requests <-chan int) {
	if err := streampipe.Pump(ctx, id, r, c, requests); err != nil {
		c.log.Warn("stream pump ended", zap.Int64("streamId", id), zap.Error(err))
	}
	c.streamMu.Lock()
	delete(c.outgoingReaders, id)
	delete(c.outgoingRequests, id)
	c.streamMu.Unlock()
}

// handleStreamData services an inbound streamData frame, delivering it to
// the stream's RemoteReader and requesting the next chunk unless this was
// the final one.
func (c *Connection) handleStreamData(data StreamData) {
	c.streamMu.Lock()
	rr, ok := c.incomingStreams[data.ID]
	if ok && data.EOF {
		delete(c.incomingStreams, data.ID)
	}
	c.streamMu.Unlock()
	if !ok {
		return // unknown or already-released stream id, not fatal
	}
	rr.Deliver(data.Data, data.EOF)
	if !data.EOF {
		c.requestStreamData(data.ID, defaultStreamChunkSize)
	}
}

func (c *Connection) requestStreamData(id int64, size int) {
	payload, err := json.Marshal(StreamDataRequest{ID: id, Size: size})
	if err != nil {
		c.log.Error("marshal streamDataRequest", zap.Error(err))
		return
	}
	if err := c.sendFrame(FrameStreamDataRequest, payload); err != nil {
		c.log.Warn("send streamDataRequest failed", zap.Error(err))
	}
}

// failIncomingStreams fails every still-open incoming stream when the
// connection closes, so blocked Read calls return instead of hanging
// forever (spec §4.4 close invariant).
func (c *Connection) failIncomingStreams(err error) {
	c.streamMu.Lock()
	streams := make([]*streampipe.RemoteReader, 0, len(c.incomingStreams))
	for _, rr := range c.incomingStreams {
		streams = append(streams, rr)
	}
	c.incomingStreams = make(map[int64]*streampipe.RemoteReader)
	c.streamMu.Unlock()

	for _, rr := range streams {
		rr.Fail(err)
	}
}
