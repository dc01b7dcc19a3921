package channelitems

import "sync"

// Item is a callback or readable stream that crosses the channel. Items are
// always passed by reference (a *Callback, or a stream wrapped in a
// pointer-identity-bearing handle) so that two sends of the "same" item
// compare equal and reuse the same id — this is what lets the receiver
// resurrect an identity on a second arrival (spec §4.3).
type Item any

// SentItems is the sender-side registry: item -> {id, lastTimeSent}. It
// mints dense ids lazily on first send and tracks the outbound sequence
// number each item was last sent at, which is exactly what the release
// protocol's race rule (spec §4.3, §9) needs.
type SentItems struct {
	mu       sync.Mutex
	byItem   map[Item]int64
	byID     map[int64]*sentEntry
	nextID   int64
}

type sentEntry struct {
	item         Item
	lastTimeSent uint64
}

// NewSentItems returns an empty SentItems registry.
func NewSentItems() *SentItems {
	return &SentItems{
		byItem: make(map[Item]int64),
		byID:   make(map[int64]*sentEntry),
	}
}

// RecordSend registers item as sent at outboundSeq, minting a new id on
// first send and reusing the existing one on subsequent sends. It returns
// the DTO to place on the wire.
func (s *SentItems) RecordSend(item Item, kind Kind, outboundSeq uint64) DTO {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byItem[item]
	if !ok {
		s.nextID++
		id = s.nextID
		s.byItem[item] = id
		s.byID[id] = &sentEntry{item: item}
	}
	s.byID[id].lastTimeSent = outboundSeq
	return DTO{Type: kind, ID: id}
}

// HandleNotUsedAnymore applies the release rule for a
// channelItemNotUsedAnymore{id, time} notification. If the item was
// re-sent at or after time (lastTimeSent >= time), the notification refers
// to a now-stale release decision and is ignored, keeping the item alive.
// Otherwise the entry is deleted. Returns true if the entry was deleted.
func (s *SentItems) HandleNotUsedAnymore(id int64, time uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok {
		return false
	}
	if entry.lastTimeSent >= time {
		// Race fix (spec §4.3, §9 Open Questions): the item was re-sent
		// after the receiver decided to release it. Keep it.
		return false
	}
	delete(s.byID, id)
	delete(s.byItem, entry.item)
	return true
}

// Clear drops every entry, as happens when the connection closes.
func (s *SentItems) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byItem = make(map[Item]int64)
	s.byID = make(map[int64]*sentEntry)
}

// Len reports the number of items currently tracked. Exposed for tests.
func (s *SentItems) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
