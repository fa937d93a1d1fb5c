// Package router implements the relay's single-owner room registry.
// One goroutine drains a request mailbox and is the sole mutator of
// room membership; this is what gives the per-request atomicity the
// spec relies on (see AddPeer) without a shared lock.
package router

import (
	"context"

	"github.com/adwski/relay/internal/model"
	"github.com/rs/zerolog"
)

// Stats is a point-in-time snapshot of registry size, used for
// operational introspection (e.g. a /healthz handler).
type Stats struct {
	Rooms int
	Peers int
}

// request is the sealed set of operations the router accepts. Only
// the request goroutine (run) ever touches the registry map.
type request struct {
	kind    reqKind
	roomID  string
	peerID  string
	sink    model.PeerSink
	from    string
	dest    model.Destination
	content model.RawContent
	reply   chan Stats // non-nil only for statsRequest
}

type reqKind uint8

const (
	reqAddPeer reqKind = iota
	reqRemovePeer
	reqRelay
	reqStats
)

const mailboxSize = 256

// Router owns the RoomId -> Room(PeerId -> Sink) registry. Create one
// per process with New and start its loop with Run in its own
// goroutine; send requests with AddPeer/RemovePeer/RelayPeerMessage
// from any number of session goroutines.
type Router struct {
	logger  zerolog.Logger
	mailbox chan request
}

// New builds a Router. Call Run to start draining its mailbox.
func New(logger *zerolog.Logger) *Router {
	return &Router{
		logger:  logger.With().Str("component", "router").Logger(),
		mailbox: make(chan request, mailboxSize),
	}
}

// Run drains the mailbox until ctx is canceled. It is the only
// goroutine permitted to read or write the registry, which is exactly
// what gives every request in §4.3 its atomicity: no other request can
// be interleaved between the two halves of a single AddPeer.
func (r *Router) Run(ctx context.Context) {
	registry := make(map[string]room)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.mailbox:
			r.handle(registry, req)
		}
	}
}

// AddPeer registers peer (peerID, sink) into roomID, creating the room
// if it does not yet exist. Existing peers are told the newcomer
// joined; the newcomer is told about every peer already present. Both
// halves happen atomically with respect to every other router request.
func (r *Router) AddPeer(roomID, peerID string, sink model.PeerSink) {
	r.mailbox <- request{kind: reqAddPeer, roomID: roomID, peerID: peerID, sink: sink}
}

// RemovePeer deregisters peerID from roomID, if present, and notifies
// every remaining peer that it left. A missing room or peer is a
// silent no-op.
func (r *Router) RemovePeer(roomID, peerID string) {
	r.mailbox <- request{kind: reqRemovePeer, roomID: roomID, peerID: peerID}
}

// RelayPeerMessage forwards content from peer `from` to dest within
// roomID. Broadcast excludes the sender; PeerSet intersects the
// requested ids with current membership, skipping unknown ids, in the
// order supplied.
func (r *Router) RelayPeerMessage(roomID, from string, dest model.Destination, content model.RawContent) {
	r.mailbox <- request{kind: reqRelay, roomID: roomID, from: from, dest: dest, content: content}
}

// Stats returns a snapshot of current registry size. It round-trips
// through the router goroutine so it reflects a consistent point in
// the request stream, same as every other operation.
func (r *Router) Stats() Stats {
	reply := make(chan Stats, 1)
	r.mailbox <- request{kind: reqStats, reply: reply}
	return <-reply
}

// room is the per-room membership map: peer id to its delivery sink.
type room map[string]model.PeerSink

func (r *Router) handle(registry map[string]room, req request) {
	switch req.kind {
	case reqAddPeer:
		r.handleAddPeer(registry, req)
	case reqRemovePeer:
		r.handleRemovePeer(registry, req)
	case reqRelay:
		r.handleRelay(registry, req)
	case reqStats:
		r.handleStats(registry, req)
	}
}

func (r *Router) handleAddPeer(registry map[string]room, req request) {
	rm, ok := registry[req.roomID]
	if !ok {
		rm = make(room)
		registry[req.roomID] = rm
	}
	for existingID, existingSink := range rm {
		r.push(existingSink, model.FromRelay(model.PeerJoined(req.peerID)), req.roomID, existingID)
	}
	for existingID := range rm {
		r.push(req.sink, model.FromRelay(model.PeerJoined(existingID)), req.roomID, req.peerID)
	}
	rm[req.peerID] = req.sink
}

func (r *Router) handleRemovePeer(registry map[string]room, req request) {
	rm, ok := registry[req.roomID]
	if !ok {
		return
	}
	if _, present := rm[req.peerID]; !present {
		return
	}
	delete(rm, req.peerID)
	if len(rm) == 0 {
		delete(registry, req.roomID)
		return
	}
	for remainingID, remainingSink := range rm {
		r.push(remainingSink, model.FromRelay(model.PeerLeft(req.peerID)), req.roomID, remainingID)
	}
}

func (r *Router) handleRelay(registry map[string]room, req request) {
	rm, ok := registry[req.roomID]
	if !ok {
		return
	}
	msg := model.FromPeer(model.ReceivedPeerMessage{From: req.from, Content: req.content})

	switch req.dest.Kind {
	case model.DestBroadcast:
		for peerID, sink := range rm {
			if peerID == req.from {
				continue
			}
			r.push(sink, msg, req.roomID, peerID)
		}
	case model.DestPeerSet:
		for _, peerID := range req.dest.Ids {
			sink, ok := rm[peerID]
			if !ok {
				continue
			}
			r.push(sink, msg, req.roomID, peerID)
		}
	}
}

func (r *Router) handleStats(registry map[string]room, req request) {
	stats := Stats{Rooms: len(registry)}
	for _, rm := range registry {
		stats.Peers += len(rm)
	}
	req.reply <- stats
}

func (r *Router) push(sink model.PeerSink, msg model.PeerSocketMessage, roomID, peerID string) {
	if !sink.Push(msg) {
		r.logger.Warn().
			Str("room", roomID).
			Str("peer", peerID).
			Msg("sink push dropped, queue saturated or closed")
	}
}
