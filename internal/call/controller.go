// Package call governs the media sub-session riding on the chat
// protocol: invite, accept, decline, and end, plus the renegotiation
// those transitions require.
package call

import (
	"sync"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/chatproto"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

// MediaPeer is the slice of the peer connection the controller needs:
// attaching and detaching local media tracks.
type MediaPeer interface {
	AddMedia() error
	RemoveMedia() error
}

// Controller tracks one call's phase. Both participants may invite
// near-simultaneously; a remote invite arriving while we are already
// requesting counts as the peer's acceptance, so the exchange converges
// without a dedicated tie-break.
type Controller struct {
	peer        MediaPeer
	sendCall    func(chatproto.CallAction) error
	renegotiate func() error

	mu          sync.Mutex
	phase       domain.CallPhase
	localMedia  bool
	remoteMedia bool

	onPhase func(domain.CallPhase)
}

func NewController(peer MediaPeer, sendCall func(chatproto.CallAction) error, renegotiate func() error) *Controller {
	return &Controller{
		peer:        peer,
		sendCall:    sendCall,
		renegotiate: renegotiate,
		phase:       domain.CallIdle,
	}
}

// OnPhaseChange registers a callback fired on every phase transition.
func (c *Controller) OnPhaseChange(fn func(domain.CallPhase)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPhase = fn
}

func (c *Controller) Phase() domain.CallPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// MediaState reports whether local and remote media are attached.
func (c *Controller) MediaState() (local, remote bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localMedia, c.remoteMedia
}

// Invite starts an outgoing call. Inviting while an incoming invite is
// pending accepts it instead.
func (c *Controller) Invite() error {
	switch c.Phase() {
	case domain.CallIdle:
		c.transition(domain.CallRequesting)
		return c.sendCall(chatproto.CallInvite)
	case domain.CallIncoming:
		return c.Accept()
	default:
		return nil
	}
}

// Accept answers a pending incoming invite: attach media, renegotiate,
// and tell the peer.
func (c *Controller) Accept() error {
	if c.Phase() != domain.CallIncoming {
		return nil
	}
	return c.goConnecting(true)
}

// Decline rejects a pending incoming invite.
func (c *Controller) Decline() error {
	if c.Phase() != domain.CallIncoming {
		return nil
	}
	c.transition(domain.CallIdle)
	return c.sendCall(chatproto.CallDecline)
}

// End terminates the call from any phase: a pending outgoing invite is
// cancelled, a pending incoming invite declined, an established call
// torn down.
func (c *Controller) End() error {
	switch c.Phase() {
	case domain.CallIdle:
		return nil
	case domain.CallRequesting:
		c.transition(domain.CallIdle)
		return c.sendCall(chatproto.CallCancel)
	case domain.CallIncoming:
		return c.Decline()
	default:
		if err := c.stopMedia(); err != nil {
			util.LogWarning("call: media teardown: %v", err)
		}
		c.transition(domain.CallIdle)
		return c.sendCall(chatproto.CallEnd)
	}
}

// HandleRemote processes a call action received from the peer.
func (c *Controller) HandleRemote(action chatproto.CallAction, from string) {
	phase := c.Phase()
	switch action {
	case chatproto.CallInvite:
		switch phase {
		case domain.CallIdle:
			c.transition(domain.CallIncoming)
		case domain.CallRequesting:
			// Crossed invites: the peer wants the same call we asked
			// for, so treat theirs as an acceptance of ours.
			if err := c.goConnecting(true); err != nil {
				util.LogWarning("call: crossed-invite accept: %v", err)
			}
		}
	case chatproto.CallAccept:
		if phase == domain.CallRequesting {
			if err := c.goConnecting(false); err != nil {
				util.LogWarning("call: accept handling: %v", err)
			}
		}
	case chatproto.CallDecline:
		if phase == domain.CallRequesting {
			c.transition(domain.CallIdle)
		}
	case chatproto.CallCancel:
		if phase == domain.CallIncoming {
			c.transition(domain.CallIdle)
		}
	case chatproto.CallEnd:
		if phase == domain.CallIdle {
			return
		}
		if err := c.stopMedia(); err != nil {
			util.LogWarning("call: media teardown: %v", err)
		}
		c.transition(domain.CallIdle)
	default:
		util.LogDebug("call: ignoring action %q from %s", action, from)
	}
}

// RemoteTrackStarted records that the peer's media arrived. Wired to the
// peer connection's remote-track callback.
func (c *Controller) RemoteTrackStarted() {
	c.mu.Lock()
	c.remoteMedia = true
	c.mu.Unlock()
	c.maybeActivate()
}

func (c *Controller) goConnecting(sendAccept bool) error {
	c.transition(domain.CallConnecting)

	c.mu.Lock()
	c.localMedia = true
	c.mu.Unlock()
	if err := c.peer.AddMedia(); err != nil {
		return err
	}

	if sendAccept {
		if err := c.sendCall(chatproto.CallAccept); err != nil {
			return err
		}
	}
	if err := c.renegotiate(); err != nil {
		return err
	}

	c.maybeActivate()
	return nil
}

func (c *Controller) stopMedia() error {
	c.mu.Lock()
	hadMedia := c.localMedia
	c.localMedia = false
	c.remoteMedia = false
	c.mu.Unlock()

	if !hadMedia {
		return nil
	}
	if err := c.peer.RemoveMedia(); err != nil {
		return err
	}
	// Track removal changes the SDP; the duplicate-offer guard absorbs
	// overlap with the peer's own teardown offer.
	return c.renegotiate()
}

func (c *Controller) maybeActivate() {
	c.mu.Lock()
	ready := c.phase == domain.CallConnecting && c.localMedia && c.remoteMedia
	c.mu.Unlock()
	if ready {
		c.transition(domain.CallActive)
	}
}

func (c *Controller) transition(to domain.CallPhase) {
	c.mu.Lock()
	if c.phase == to {
		c.mu.Unlock()
		return
	}
	from := c.phase
	c.phase = to
	fn := c.onPhase
	c.mu.Unlock()

	util.LogDebug("call: %s -> %s", from, to)
	if fn != nil {
		fn(to)
	}
}
