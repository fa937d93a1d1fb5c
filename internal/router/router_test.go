package router

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/adwski/relay/internal/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

// socketMsgEqual compares two PeerSocketMessage values. They cannot be
// compared with == because RawContent embeds a []byte.
func socketMsgEqual(a, b model.PeerSocketMessage) bool {
	if a.Kind != b.Kind || a.Event != b.Event {
		return false
	}
	if a.Peer.From != b.Peer.From {
		return false
	}
	return contentEqual(a.Peer.Content, b.Peer.Content)
}

func contentEqual(a, b model.RawContent) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == model.KindBinary {
		return bytes.Equal(a.Binary, b.Binary)
	}
	return a.Text == b.Text
}

// testSink is an unbounded recording sink used only by tests: it never
// drops so assertions can be made about exact delivered sequences.
type testSink struct {
	ch chan model.PeerSocketMessage
}

func newTestSink() *testSink {
	return &testSink{ch: make(chan model.PeerSocketMessage, 256)}
}

func (s *testSink) Push(msg model.PeerSocketMessage) bool {
	s.ch <- msg
	return true
}

func (s *testSink) drain(t *testing.T, n int) []model.PeerSocketMessage {
	t.Helper()
	got := make([]model.PeerSocketMessage, 0, n)
	for i := 0; i < n; i++ {
		select {
		case msg := <-s.ch:
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d/%d, got so far: %s", i+1, n, spew.Sdump(got))
		}
	}
	return got
}

func (s *testSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-s.ch:
		t.Fatalf("expected no message, got: %s", spew.Sdump(msg))
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	r := New(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func TestPresenceSymmetry(t *testing.T) {
	r := newTestRouter(t)

	aliceSink, bobSink := newTestSink(), newTestSink()
	r.AddPeer("foo", "alice", aliceSink)
	r.AddPeer("foo", "bob", bobSink)

	// alice already present, so bob should see PeerJoined(alice) exactly once,
	// and alice should see PeerJoined(bob) exactly once.
	got := bobSink.drain(t, 1)
	if !socketMsgEqual(got[0], model.FromRelay(model.PeerJoined("alice"))) {
		t.Fatalf("unexpected event: %s", spew.Sdump(got[0]))
	}
	if ev := aliceSink.drain(t, 1)[0]; !socketMsgEqual(ev, model.FromRelay(model.PeerJoined("bob"))) {
		t.Fatalf("alice: unexpected event: %s", spew.Sdump(ev))
	}

	carolSink := newTestSink()
	r.AddPeer("foo", "carol", carolSink)

	aliceEvent := aliceSink.drain(t, 1)[0]
	bobEvent := bobSink.drain(t, 1)[0]
	if !socketMsgEqual(aliceEvent, model.FromRelay(model.PeerJoined("carol"))) {
		t.Fatalf("alice: unexpected event: %s", spew.Sdump(aliceEvent))
	}
	if !socketMsgEqual(bobEvent, model.FromRelay(model.PeerJoined("carol"))) {
		t.Fatalf("bob: unexpected event: %s", spew.Sdump(bobEvent))
	}

	carolEvents := carolSink.drain(t, 2)
	seen := map[string]bool{}
	for _, e := range carolEvents {
		if e.Kind != model.SocketFromRelay || e.Event.Kind != model.EventPeerJoined {
			t.Fatalf("unexpected event kind: %s", spew.Sdump(e))
		}
		seen[e.Event.PeerID] = true
	}
	if !seen["alice"] || !seen["bob"] {
		t.Fatalf("carol did not observe both existing peers: %s", spew.Sdump(carolEvents))
	}
}

func TestLeaveNotification(t *testing.T) {
	r := newTestRouter(t)

	aliceSink, bobSink := newTestSink(), newTestSink()
	r.AddPeer("foo", "alice", aliceSink)
	r.AddPeer("foo", "bob", bobSink)
	bobSink.drain(t, 1)   // PeerJoined(alice)
	aliceSink.drain(t, 1) // PeerJoined(bob)

	r.RemovePeer("foo", "bob")

	got := aliceSink.drain(t, 1)[0]
	if !socketMsgEqual(got, model.FromRelay(model.PeerLeft("bob"))) {
		t.Fatalf("unexpected event: %s", spew.Sdump(got))
	}
	aliceSink.expectNone(t)
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := newTestRouter(t)

	aliceSink, bobSink, carolSink := newTestSink(), newTestSink(), newTestSink()
	r.AddPeer("foo", "alice", aliceSink)
	r.AddPeer("foo", "bob", bobSink)
	r.AddPeer("foo", "carol", carolSink)
	aliceSink.drain(t, 2) // PeerJoined(bob), PeerJoined(carol)
	bobSink.drain(t, 2)   // PeerJoined(alice), PeerJoined(carol)
	carolSink.drain(t, 2)

	r.RelayPeerMessage("foo", "alice", model.Broadcast(), model.Text("hello"))

	aliceSink.expectNone(t)
	for _, s := range []*testSink{bobSink, carolSink} {
		got := s.drain(t, 1)[0]
		want := model.FromPeer(model.ReceivedPeerMessage{From: "alice", Content: model.Text("hello")})
		if !socketMsgEqual(got, want) {
			t.Fatalf("unexpected delivery: %s", spew.Sdump(got))
		}
	}
}

func TestExplicitSetIntersectsMembership(t *testing.T) {
	r := newTestRouter(t)

	aliceSink, bobSink, carolSink := newTestSink(), newTestSink(), newTestSink()
	r.AddPeer("foo", "alice", aliceSink)
	r.AddPeer("foo", "bob", bobSink)
	r.AddPeer("foo", "carol", carolSink)
	aliceSink.drain(t, 2) // PeerJoined(bob), PeerJoined(carol)
	bobSink.drain(t, 2)   // PeerJoined(alice), PeerJoined(carol)
	carolSink.drain(t, 2)

	// sender included in the set: sender does receive it (unlike Broadcast).
	r.RelayPeerMessage("foo", "alice", model.PeerSet([]string{"alice", "bob", "nonexistent"}), model.Binary([]byte{1, 2, 3}))

	want := model.FromPeer(model.ReceivedPeerMessage{From: "alice", Content: model.Binary([]byte{1, 2, 3})})
	if got := aliceSink.drain(t, 1)[0]; !socketMsgEqual(got, want) {
		t.Fatalf("alice: unexpected delivery: %s", spew.Sdump(got))
	}
	if got := bobSink.drain(t, 1)[0]; !socketMsgEqual(got, want) {
		t.Fatalf("bob: unexpected delivery: %s", spew.Sdump(got))
	}
	carolSink.expectNone(t)
}

func TestUnknownRecipientSilentlyDropped(t *testing.T) {
	r := newTestRouter(t)
	aliceSink := newTestSink()
	r.AddPeer("foo", "alice", aliceSink)

	r.RelayPeerMessage("foo", "alice", model.PeerSet([]string{"nonexistent"}), model.Text("hi"))
	aliceSink.expectNone(t)
}

func TestCrossRoomIsolation(t *testing.T) {
	r := newTestRouter(t)
	aliceSink, bobSink := newTestSink(), newTestSink()
	r.AddPeer("foo", "alice", aliceSink)
	r.AddPeer("bar", "bob", bobSink)

	r.RelayPeerMessage("foo", "alice", model.Broadcast(), model.Text("hello"))
	bobSink.expectNone(t)
}

func TestPerSenderFIFO(t *testing.T) {
	r := newTestRouter(t)
	aliceSink, bobSink := newTestSink(), newTestSink()
	r.AddPeer("foo", "alice", aliceSink)
	r.AddPeer("foo", "bob", bobSink)
	bobSink.drain(t, 1)

	r.RelayPeerMessage("foo", "alice", model.Broadcast(), model.Text("m1"))
	r.RelayPeerMessage("foo", "alice", model.Broadcast(), model.Text("m2"))

	got := bobSink.drain(t, 2)
	if got[0].Peer.Content.Text != "m1" || got[1].Peer.Content.Text != "m2" {
		t.Fatalf("FIFO violated: %s", spew.Sdump(got))
	}
}

func TestEmptyRoomIsGarbageCollected(t *testing.T) {
	r := newTestRouter(t)
	aliceSink := newTestSink()
	r.AddPeer("foo", "alice", aliceSink)
	r.RemovePeer("foo", "alice")

	if stats := r.Stats(); stats.Rooms != 0 || stats.Peers != 0 {
		t.Fatalf("expected empty registry after last peer left, got %+v", stats)
	}
}

func TestRemovePeerUnknownRoomIsNoop(t *testing.T) {
	r := newTestRouter(t)
	r.RemovePeer("does-not-exist", "nobody")
	if stats := r.Stats(); stats.Rooms != 0 {
		t.Fatalf("expected no rooms created, got %+v", stats)
	}
}
