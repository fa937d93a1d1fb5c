// Package session implements the per-connection handler: one instance
// per live WebSocket. It owns a peer id and a sink, decodes inbound
// frames into router requests, and re-encodes router-delivered events
// into outbound frames. Parsing happens here, not in the router, so a
// malformed frame can never stall the single router goroutine.
package session

import (
	"github.com/adwski/relay/internal/codec"
	"github.com/adwski/relay/internal/model"
	"github.com/rs/zerolog"
)

const defaultSinkCapacity = 32

// Sink is a single-producer (router), single-consumer (this session's
// writer) bounded queue. It drops-newest on saturation so a slow
// consumer cannot inflate router memory, and tolerates pushes after
// Close by simply discarding them.
type Sink struct {
	ch     chan model.PeerSocketMessage
	closed chan struct{}
}

// NewSink builds a Sink with room for defaultSinkCapacity buffered
// events.
func NewSink() *Sink {
	return &Sink{
		ch:     make(chan model.PeerSocketMessage, defaultSinkCapacity),
		closed: make(chan struct{}),
	}
}

// Push delivers msg to the sink's queue. It never blocks: if the queue
// is full or the sink is closed, the message is dropped and Push
// reports false.
func (s *Sink) Push(msg model.PeerSocketMessage) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// Recv exposes the delivery channel for the session's writer loop to
// range/select over.
func (s *Sink) Recv() <-chan model.PeerSocketMessage {
	return s.ch
}

// Close marks the sink closed. Subsequent Push calls drop silently.
// The handler owns the sink's lifetime and must call Close on detach.
func (s *Sink) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// Router is the capability a Handler needs to reach the room registry.
// It is a value (a mailbox handle), never a back-pointer, per the
// no-cyclic-references design note.
type Router interface {
	AddPeer(roomID, peerID string, sink model.PeerSink)
	RemovePeer(roomID, peerID string)
	RelayPeerMessage(roomID, from string, dest model.Destination, content model.RawContent)
}

// Handler is one per live connection. Construct it with New, call
// Attach with a freshly generated peer id, feed inbound frames to
// HandleFrame, drain outbound events with the Sink returned by Attach,
// and call Detach exactly once on disconnect.
type Handler struct {
	router Router
	logger zerolog.Logger

	roomID string
	peerID string
	sink   *Sink
}

// New builds a Handler bound to roomID, talking to router r.
func New(r Router, roomID string, logger *zerolog.Logger) *Handler {
	return &Handler{
		router: r,
		roomID: roomID,
		logger: logger.With().Str("component", "session").Str("room", roomID).Logger(),
	}
}

// Attach adopts peerID as this handler's peer id, creates its sink,
// and registers both with the router. The caller generates the id. It must be called exactly once, before any
// call to HandleFrame.
func (h *Handler) Attach(peerID string) *Sink {
	h.peerID = peerID
	h.sink = NewSink()
	h.logger = h.logger.With().Str("peer", peerID).Logger()
	h.router.AddPeer(h.roomID, peerID, h.sink)
	return h.sink
}

// PeerID returns this handler's assigned peer id. Valid after Attach.
func (h *Handler) PeerID() string {
	return h.peerID
}

// HandleFrame decodes one inbound frame and, on success, forwards it
// to the router as a RelayPeerMessage. A decode failure is logged and
// the frame dropped; the connection is never closed because of it.
func (h *Handler) HandleFrame(kind model.ContentKind, data []byte) {
	msg, err := codec.DecodeSent(kind, data)
	if err != nil {
		h.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	h.router.RelayPeerMessage(h.roomID, h.peerID, msg.Dest, msg.Content)
}

// EncodeOutbound renders a PeerSocketMessage delivered by the sink
// into the frame type and bytes the transport should write.
func EncodeOutbound(msg model.PeerSocketMessage) (model.ContentKind, []byte) {
	switch msg.Kind {
	case model.SocketFromPeer:
		return codec.EncodeReceived(msg.Peer)
	default:
		return model.KindText, codec.EncodeEvent(msg.Event)
	}
}

// Detach deregisters this handler's peer from the router and closes
// its sink. Must be called exactly once, on close, shutdown, or
// transport error.
func (h *Handler) Detach() {
	h.sink.Close()
	h.router.RemovePeer(h.roomID, h.peerID)
}
