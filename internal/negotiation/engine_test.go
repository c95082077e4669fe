package negotiation

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/signaling"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/transport"
)

// signalRecorder captures outgoing signals in order.
type signalRecorder struct {
	mu      sync.Mutex
	signals []recorded
}

type recorded struct {
	t       signaling.SignalType
	payload any
}

func (r *signalRecorder) send(t signaling.SignalType, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, recorded{t: t, payload: payload})
	return nil
}

func (r *signalRecorder) count(t signaling.SignalType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.t == t {
			n++
		}
	}
	return n
}

func (r *signalRecorder) last(t signaling.SignalType) (recorded, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.signals) - 1; i >= 0; i-- {
		if r.signals[i].t == t {
			return r.signals[i], true
		}
	}
	return recorded{}, false
}

func TestCreateAndSendOfferSkipsWhileInFlight(t *testing.T) {
	peer, _ := transport.NewMemPair()
	rec := &signalRecorder{}
	engine := NewEngine(domain.RoleHost, peer, rec.send)

	for i := 0; i < 3; i++ {
		if err := engine.CreateAndSendOffer(false); err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
	}

	if peer.OffersCreated != 1 {
		t.Fatalf("expected 1 offer created, got %d", peer.OffersCreated)
	}
	if got := rec.count(signaling.SignalOffer); got != 1 {
		t.Fatalf("expected 1 offer sent, got %d", got)
	}
}

func TestAnswerClearsInFlightGuard(t *testing.T) {
	peer, _ := transport.NewMemPair()
	rec := &signalRecorder{}
	engine := NewEngine(domain.RoleHost, peer, rec.send)

	if err := engine.CreateAndSendOffer(false); err != nil {
		t.Fatal(err)
	}
	if err := engine.HandleAnswer(signaling.SDPPayload{Type: "answer", SDP: "v=0 mem-answer"}); err != nil {
		t.Fatal(err)
	}
	if err := engine.CreateAndSendOffer(true); err != nil {
		t.Fatal(err)
	}

	if got := rec.count(signaling.SignalOffer); got != 2 {
		t.Fatalf("expected 2 offers after answer cleared the guard, got %d", got)
	}
}

func TestHandleOfferProducesAnswer(t *testing.T) {
	peer, _ := transport.NewMemPair()
	rec := &signalRecorder{}
	engine := NewEngine(domain.RoleGuest, peer, rec.send)

	if err := engine.HandleOffer(signaling.SDPPayload{Type: "offer", SDP: "v=0 remote"}); err != nil {
		t.Fatal(err)
	}

	answer, ok := rec.last(signaling.SignalAnswer)
	if !ok {
		t.Fatal("no answer sent")
	}
	sdp, ok := answer.payload.(signaling.SDPPayload)
	if !ok || sdp.Type != "answer" {
		t.Fatalf("unexpected answer payload %#v", answer.payload)
	}
	if peer.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("expected stable after answering, got %s", peer.SignalingState())
	}
}

func TestGlareHostIgnoresRemoteOffer(t *testing.T) {
	peer, _ := transport.NewMemPair()
	rec := &signalRecorder{}
	engine := NewEngine(domain.RoleHost, peer, rec.send)

	if err := engine.CreateAndSendOffer(false); err != nil {
		t.Fatal(err)
	}
	if err := engine.HandleOffer(signaling.SDPPayload{Type: "offer", SDP: "v=0 colliding"}); err != nil {
		t.Fatal(err)
	}

	if got := rec.count(signaling.SignalAnswer); got != 0 {
		t.Fatalf("host answered a colliding offer, %d answers", got)
	}
	if peer.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("host lost its pending offer, state %s", peer.SignalingState())
	}
}

func TestGlareGuestRollsBackAndAnswers(t *testing.T) {
	peer, _ := transport.NewMemPair()
	rec := &signalRecorder{}
	engine := NewEngine(domain.RoleGuest, peer, rec.send)

	if err := engine.CreateAndSendOffer(false); err != nil {
		t.Fatal(err)
	}
	if err := engine.HandleOffer(signaling.SDPPayload{Type: "offer", SDP: "v=0 host-offer"}); err != nil {
		t.Fatal(err)
	}

	if got := rec.count(signaling.SignalAnswer); got != 1 {
		t.Fatalf("guest should answer after rollback, %d answers", got)
	}
	if peer.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("expected stable after glare resolution, got %s", peer.SignalingState())
	}
}

func TestStaleAnswerDropped(t *testing.T) {
	peer, _ := transport.NewMemPair()
	rec := &signalRecorder{}
	engine := NewEngine(domain.RoleHost, peer, rec.send)

	// No local offer pending; the answer must not touch the peer.
	if err := engine.HandleAnswer(signaling.SDPPayload{Type: "answer", SDP: "v=0 stale"}); err != nil {
		t.Fatal(err)
	}
	if peer.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("stale answer changed state to %s", peer.SignalingState())
	}
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	peer, _ := transport.NewMemPair()
	rec := &signalRecorder{}
	engine := NewEngine(domain.RoleGuest, peer, rec.send)

	early := []webrtc.ICECandidateInit{
		{Candidate: "candidate:one"},
		{Candidate: "candidate:two"},
		{Candidate: "candidate:three"},
	}
	for _, c := range early {
		if err := engine.HandleCandidate(c); err != nil {
			t.Fatal(err)
		}
	}
	if len(peer.Applied) != 0 {
		t.Fatalf("candidates applied before remote description: %d", len(peer.Applied))
	}

	if err := engine.HandleOffer(signaling.SDPPayload{Type: "offer", SDP: "v=0 remote"}); err != nil {
		t.Fatal(err)
	}

	if len(peer.Applied) != len(early) {
		t.Fatalf("expected %d candidates flushed, got %d", len(early), len(peer.Applied))
	}
	for i, c := range early {
		if peer.Applied[i].Candidate != c.Candidate {
			t.Fatalf("candidate %d applied out of order: %s", i, peer.Applied[i].Candidate)
		}
	}

	// Later candidates apply directly, and the buffer must not replay.
	if err := engine.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:four"}); err != nil {
		t.Fatal(err)
	}
	if len(peer.Applied) != len(early)+1 {
		t.Fatalf("buffer replayed: %d applied", len(peer.Applied))
	}
}

func TestResetClearsBufferAndGuard(t *testing.T) {
	peer, _ := transport.NewMemPair()
	rec := &signalRecorder{}
	engine := NewEngine(domain.RoleHost, peer, rec.send)

	if err := engine.CreateAndSendOffer(false); err != nil {
		t.Fatal(err)
	}
	if err := engine.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:old"}); err != nil {
		t.Fatal(err)
	}

	engine.Reset()
	// Reset drops signaling-layer state only; realign the fake peer the
	// way a fresh connection would start.
	if err := peer.Rollback(); err != nil {
		t.Fatal(err)
	}

	if err := engine.CreateAndSendOffer(false); err != nil {
		t.Fatal(err)
	}
	if got := rec.count(signaling.SignalOffer); got != 2 {
		t.Fatalf("expected a fresh offer after reset, got %d total", got)
	}
	if err := engine.HandleAnswer(signaling.SDPPayload{Type: "answer", SDP: "v=0 mem-answer"}); err != nil {
		t.Fatal(err)
	}
	if len(peer.Applied) != 0 {
		t.Fatalf("stale buffered candidate survived reset: %d applied", len(peer.Applied))
	}
}

func TestMemPairConvergesOnFullExchange(t *testing.T) {
	hostPeer, guestPeer := transport.NewMemPair()

	// Queue signals and pump them between the engines so deliveries
	// happen outside either engine's locks, as they would over a real
	// signaling channel.
	type pending struct {
		to      domain.Role
		t       signaling.SignalType
		payload any
	}
	var queue []pending
	enqueue := func(to domain.Role) SignalFunc {
		return func(st signaling.SignalType, payload any) error {
			queue = append(queue, pending{to: to, t: st, payload: payload})
			return nil
		}
	}

	hostEngine := NewEngine(domain.RoleHost, hostPeer, enqueue(domain.RoleGuest))
	guestEngine := NewEngine(domain.RoleGuest, guestPeer, enqueue(domain.RoleHost))

	if _, err := hostPeer.CreateChatChannel(); err != nil {
		t.Fatal(err)
	}
	if err := hostEngine.CreateAndSendOffer(false); err != nil {
		t.Fatal(err)
	}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		target := hostEngine
		if next.to == domain.RoleGuest {
			target = guestEngine
		}
		var err error
		switch next.t {
		case signaling.SignalOffer:
			err = target.HandleOffer(next.payload.(signaling.SDPPayload))
		case signaling.SignalAnswer:
			err = target.HandleAnswer(next.payload.(signaling.SDPPayload))
		}
		if err != nil {
			t.Fatalf("deliver %s: %v", next.t, err)
		}
	}

	if hostPeer.ConnectionState() != webrtc.PeerConnectionStateConnected {
		t.Fatalf("host not connected: %s", hostPeer.ConnectionState())
	}
	if guestPeer.ConnectionState() != webrtc.PeerConnectionStateConnected {
		t.Fatalf("guest not connected: %s", guestPeer.ConnectionState())
	}
}
