// Package model holds the value types exchanged between the codec, the
// router and per-connection sessions. Every type here is a plain value:
// no I/O, no clocks, no randomness.
package model

// ContentKind tags which WebSocket frame type a RawContent came from or
// must be written as.
type ContentKind uint8

const (
	// KindText marks content that arrived on, or must be written to, a
	// text frame.
	KindText ContentKind = iota
	// KindBinary marks content that arrived on, or must be written to, a
	// binary frame.
	KindBinary
)

// RawContent is the payload carried by a message. It is a two-case
// tagged union, never both at once.
type RawContent struct {
	Kind   ContentKind
	Text   string
	Binary []byte
}

// Text builds a RawContent holding a text frame's body.
func Text(s string) RawContent {
	return RawContent{Kind: KindText, Text: s}
}

// Binary builds a RawContent holding a binary frame's body.
func Binary(b []byte) RawContent {
	return RawContent{Kind: KindBinary, Binary: b}
}

// DestKind tags which case a Destination is.
type DestKind uint8

const (
	// DestBroadcast addresses every other peer in the room.
	DestBroadcast DestKind = iota
	// DestPeerSet addresses an explicit, non-empty list of peer ids.
	DestPeerSet
)

// Destination is the routing instruction on an outgoing message.
type Destination struct {
	Kind DestKind
	Ids  []string
}

// Broadcast builds a Destination addressing the whole room.
func Broadcast() Destination {
	return Destination{Kind: DestBroadcast}
}

// PeerSet builds a Destination addressing an explicit set of peer ids.
// The caller must supply a non-empty slice; the codec enforces this on
// decode, but constructing one directly (e.g. in tests) is the caller's
// responsibility.
func PeerSet(ids []string) Destination {
	return Destination{Kind: DestPeerSet, Ids: ids}
}

// SentPeerMessage is what a client sends to the relay: routing metadata
// plus an opaque payload.
type SentPeerMessage struct {
	Dest    Destination
	Content RawContent
}

// ReceivedPeerMessage is what the relay delivers to a recipient: the
// same payload, with the sender's peer id injected by the router.
type ReceivedPeerMessage struct {
	From    string
	Content RawContent
}

// RoomEventKind tags which case a RoomEvent is.
type RoomEventKind uint8

const (
	// EventPeerJoined announces a new peer in the room.
	EventPeerJoined RoomEventKind = iota
	// EventPeerLeft announces a peer's departure from the room.
	EventPeerLeft
)

// RoomEvent is a presence notification pushed by the router.
type RoomEvent struct {
	Kind   RoomEventKind
	PeerID string
}

// PeerJoined builds a RoomEvent for a peer arriving.
func PeerJoined(peerID string) RoomEvent {
	return RoomEvent{Kind: EventPeerJoined, PeerID: peerID}
}

// PeerLeft builds a RoomEvent for a peer departing.
func PeerLeft(peerID string) RoomEvent {
	return RoomEvent{Kind: EventPeerLeft, PeerID: peerID}
}

// SocketMsgKind tags which case a PeerSocketMessage is.
type SocketMsgKind uint8

const (
	// SocketFromPeer wraps a forwarded peer payload.
	SocketFromPeer SocketMsgKind = iota
	// SocketFromRelay wraps a presence notification.
	SocketFromRelay
)

// PeerSocketMessage is the union a session's sink receives from the
// router: either a forwarded peer payload or a presence event.
type PeerSocketMessage struct {
	Kind  SocketMsgKind
	Peer  ReceivedPeerMessage
	Event RoomEvent
}

// FromPeer builds a PeerSocketMessage carrying a forwarded payload.
func FromPeer(msg ReceivedPeerMessage) PeerSocketMessage {
	return PeerSocketMessage{Kind: SocketFromPeer, Peer: msg}
}

// FromRelay builds a PeerSocketMessage carrying a presence event.
func FromRelay(event RoomEvent) PeerSocketMessage {
	return PeerSocketMessage{Kind: SocketFromRelay, Event: event}
}

// PeerSink is the capability to deliver one PeerSocketMessage to a
// specific live connection, asynchronously and non-blocking from the
// router's viewpoint. Exactly one sink exists per live connection; a
// closed sink tolerates pushes by dropping them.
type PeerSink interface {
	Push(msg PeerSocketMessage) (delivered bool)
}
