// Package channelitems implements the two peer registries that transport
// callbacks and readable streams across the duplex channel as DTOs, and the
// GC-vs-race release protocol that keeps them consistent (spec §3, §4.3).
package channelitems

// Kind distinguishes the two kinds of channel item.
type Kind string

const (
	KindCallback Kind = "Callback"
	KindReadable Kind = "Readable"
)

// DTO is the wire representation of a channel item (spec §3
// ChannelItemDTO). ID is assigned by the sending side the first time the
// item is sent and stays stable for the item's lifetime.
type DTO struct {
	Type Kind  `json:"_dtoType"`
	ID   int64 `json:"id"`
}
