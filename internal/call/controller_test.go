package call

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/chatproto"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/negotiation"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/signaling"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/transport"
)

// harness links two complete stacks (mem peer, negotiation engine, call
// controller) through an in-test message queue, so deliveries happen
// between state transitions the way a real signaling channel and data
// channel would interleave them.
type harness struct {
	t     *testing.T
	host  *side
	guest *side
	queue []delivery
}

type side struct {
	role   domain.Role
	peer   *transport.MemPeer
	engine *negotiation.Engine
	ctrl   *Controller
}

type delivery struct {
	to     domain.Role
	signal *queuedSignal
	call   *chatproto.CallAction
}

type queuedSignal struct {
	t       signaling.SignalType
	payload any
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t}

	hostPeer, guestPeer := transport.NewMemPair()
	h.host = h.buildSide(domain.RoleHost, hostPeer)
	h.guest = h.buildSide(domain.RoleGuest, guestPeer)

	// Bring the pair to connected before any call traffic.
	if err := h.host.engine.CreateAndSendOffer(false); err != nil {
		t.Fatal(err)
	}
	h.pump()
	if hostPeer.ConnectionState() != webrtc.PeerConnectionStateConnected {
		t.Fatalf("setup: host state %s", hostPeer.ConnectionState())
	}
	return h
}

func (h *harness) buildSide(role domain.Role, peer *transport.MemPeer) *side {
	s := &side{role: role, peer: peer}
	other := domain.RoleGuest
	if role == domain.RoleGuest {
		other = domain.RoleHost
	}

	s.engine = negotiation.NewEngine(role, peer, func(st signaling.SignalType, payload any) error {
		h.queue = append(h.queue, delivery{to: other, signal: &queuedSignal{t: st, payload: payload}})
		return nil
	})
	s.ctrl = NewController(peer, func(a chatproto.CallAction) error {
		action := a
		h.queue = append(h.queue, delivery{to: other, call: &action})
		return nil
	}, func() error {
		return s.engine.CreateAndSendOffer(false)
	})
	peer.OnTrack(s.ctrl.RemoteTrackStarted)
	return s
}

func (h *harness) byRole(role domain.Role) *side {
	if role == domain.RoleHost {
		return h.host
	}
	return h.guest
}

// pump drains the queue, delivering each queued item in order.
func (h *harness) pump() {
	h.t.Helper()
	for len(h.queue) > 0 {
		next := h.queue[0]
		h.queue = h.queue[1:]
		target := h.byRole(next.to)

		if next.call != nil {
			target.ctrl.HandleRemote(*next.call, "")
			continue
		}
		var err error
		switch next.signal.t {
		case signaling.SignalOffer:
			err = target.engine.HandleOffer(next.signal.payload.(signaling.SDPPayload))
		case signaling.SignalAnswer:
			err = target.engine.HandleAnswer(next.signal.payload.(signaling.SDPPayload))
		}
		if err != nil {
			h.t.Fatalf("deliver to %s: %v", next.to, err)
		}
	}
}

func TestInviteAcceptReachesActive(t *testing.T) {
	h := newHarness(t)

	if err := h.host.ctrl.Invite(); err != nil {
		t.Fatal(err)
	}
	if got := h.host.ctrl.Phase(); got != domain.CallRequesting {
		t.Fatalf("host phase after invite = %s", got)
	}
	h.pump()
	if got := h.guest.ctrl.Phase(); got != domain.CallIncoming {
		t.Fatalf("guest phase after incoming invite = %s", got)
	}

	if err := h.guest.ctrl.Accept(); err != nil {
		t.Fatal(err)
	}
	h.pump()

	for _, s := range []*side{h.host, h.guest} {
		if got := s.ctrl.Phase(); got != domain.CallActive {
			t.Fatalf("%s phase = %s, want active", s.role, got)
		}
		local, remote := s.ctrl.MediaState()
		if !local || !remote {
			t.Fatalf("%s media local=%t remote=%t", s.role, local, remote)
		}
		if got := s.peer.SignalingState(); got != webrtc.SignalingStateStable {
			t.Fatalf("%s signaling state %s", s.role, got)
		}
	}
}

func TestDoubleInviteConverges(t *testing.T) {
	h := newHarness(t)

	// Both sides invite before either delivery lands.
	if err := h.host.ctrl.Invite(); err != nil {
		t.Fatal(err)
	}
	if err := h.guest.ctrl.Invite(); err != nil {
		t.Fatal(err)
	}
	if h.host.ctrl.Phase() != domain.CallRequesting || h.guest.ctrl.Phase() != domain.CallRequesting {
		t.Fatal("both sides should be requesting before delivery")
	}

	h.pump()

	for _, s := range []*side{h.host, h.guest} {
		if got := s.ctrl.Phase(); got != domain.CallActive {
			t.Fatalf("%s phase = %s, want active", s.role, got)
		}
		local, remote := s.ctrl.MediaState()
		if !local || !remote {
			t.Fatalf("%s media local=%t remote=%t", s.role, local, remote)
		}
		if got := s.peer.SignalingState(); got != webrtc.SignalingStateStable {
			t.Fatalf("%s signaling state %s", s.role, got)
		}
	}
}

func TestDeclineReturnsBothToIdle(t *testing.T) {
	h := newHarness(t)

	if err := h.host.ctrl.Invite(); err != nil {
		t.Fatal(err)
	}
	h.pump()
	if err := h.guest.ctrl.Decline(); err != nil {
		t.Fatal(err)
	}
	h.pump()

	if got := h.host.ctrl.Phase(); got != domain.CallIdle {
		t.Fatalf("host phase = %s", got)
	}
	if got := h.guest.ctrl.Phase(); got != domain.CallIdle {
		t.Fatalf("guest phase = %s", got)
	}
	if h.host.peer.HasLocalMedia() || h.guest.peer.HasLocalMedia() {
		t.Fatal("declined call attached media")
	}
}

func TestCancelPendingInvite(t *testing.T) {
	h := newHarness(t)

	if err := h.host.ctrl.Invite(); err != nil {
		t.Fatal(err)
	}
	h.pump()
	if err := h.host.ctrl.End(); err != nil {
		t.Fatal(err)
	}
	h.pump()

	if got := h.guest.ctrl.Phase(); got != domain.CallIdle {
		t.Fatalf("guest still %s after cancel", got)
	}
}

func TestEndTearsDownBothSides(t *testing.T) {
	h := newHarness(t)

	if err := h.host.ctrl.Invite(); err != nil {
		t.Fatal(err)
	}
	h.pump()
	if err := h.guest.ctrl.Accept(); err != nil {
		t.Fatal(err)
	}
	h.pump()

	if err := h.host.ctrl.End(); err != nil {
		t.Fatal(err)
	}
	h.pump()

	for _, s := range []*side{h.host, h.guest} {
		if got := s.ctrl.Phase(); got != domain.CallIdle {
			t.Fatalf("%s phase = %s after end", s.role, got)
		}
		local, remote := s.ctrl.MediaState()
		if local || remote {
			t.Fatalf("%s media still attached local=%t remote=%t", s.role, local, remote)
		}
		if s.peer.HasLocalMedia() {
			t.Fatalf("%s peer still holds local media", s.role)
		}
	}
}

func TestInviteWhileIncomingAccepts(t *testing.T) {
	h := newHarness(t)

	if err := h.host.ctrl.Invite(); err != nil {
		t.Fatal(err)
	}
	h.pump()
	// Guest taps "call" while the host's invite is ringing.
	if err := h.guest.ctrl.Invite(); err != nil {
		t.Fatal(err)
	}
	h.pump()

	if got := h.host.ctrl.Phase(); got != domain.CallActive {
		t.Fatalf("host phase = %s", got)
	}
	if got := h.guest.ctrl.Phase(); got != domain.CallActive {
		t.Fatalf("guest phase = %s", got)
	}
}
