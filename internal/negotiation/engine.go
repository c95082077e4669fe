// Package negotiation drives the SDP offer/answer exchange and ICE
// candidate trickle between two peers over a signaling channel.
package negotiation

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/signaling"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

// Negotiator is the slice of the peer connection the engine drives.
type Negotiator interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
}

// SignalFunc sends one signaling payload to the remote participant.
type SignalFunc func(t signaling.SignalType, payload any) error

// Engine owns the negotiation state for a single peer connection. The
// host wins glare: a remote offer arriving while the host has a pending
// local offer is ignored, while the guest rolls its own offer back and
// answers the host's instead.
type Engine struct {
	role domain.Role
	peer Negotiator
	send SignalFunc

	mu                sync.Mutex
	hasSentOffer      bool
	remoteDescribed   bool
	pendingCandidates []webrtc.ICECandidateInit
}

func NewEngine(role domain.Role, peer Negotiator, send SignalFunc) *Engine {
	return &Engine{role: role, peer: peer, send: send}
}

// CreateAndSendOffer produces a local offer and ships it to the remote
// side. While an offer is already in flight the call is a no-op, so
// renegotiation triggers that fire during an exchange cannot stack
// duplicate offers.
func (e *Engine) CreateAndSendOffer(iceRestart bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasSentOffer {
		util.LogDebug("negotiation: offer already in flight, skipping")
		return nil
	}

	offer, err := e.peer.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationState, err)
	}
	if err := e.peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", domain.ErrNegotiationState, err)
	}
	if err := e.send(signaling.SignalOffer, signaling.SDPPayload{Type: "offer", SDP: offer.SDP}); err != nil {
		return err
	}
	e.hasSentOffer = true
	return nil
}

// HandleOffer applies a remote offer and responds with an answer.
func (e *Engine) HandleOffer(payload signaling.SDPPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.peer.SignalingState() != webrtc.SignalingStateStable {
		if e.role == domain.RoleHost {
			// Host wins glare; the guest will roll back and answer ours.
			util.LogDebug("negotiation: ignoring remote offer during glare (host)")
			return nil
		}
		util.LogDebug("negotiation: rolling back local offer to accept remote (guest)")
		if err := e.peer.Rollback(); err != nil {
			return fmt.Errorf("%w: rollback: %v", domain.ErrNegotiationState, err)
		}
		e.hasSentOffer = false
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err := e.peer.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", domain.ErrNegotiationState, err)
	}
	e.remoteDescribed = true
	e.flushCandidates()

	answer, err := e.peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationState, err)
	}
	if err := e.peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", domain.ErrNegotiationState, err)
	}
	return e.send(signaling.SignalAnswer, signaling.SDPPayload{Type: "answer", SDP: answer.SDP})
}

// HandleAnswer applies a remote answer to our pending offer. Answers
// arriving in any other signaling state are stale and dropped.
func (e *Engine) HandleAnswer(payload signaling.SDPPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.peer.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		util.LogWarning("negotiation: dropping answer in state %s", e.peer.SignalingState())
		return nil
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := e.peer.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", domain.ErrNegotiationState, err)
	}
	e.hasSentOffer = false
	e.remoteDescribed = true
	e.flushCandidates()
	return nil
}

// HandleCandidate applies a trickled remote candidate, buffering it when
// no remote description has been set yet. Buffered candidates flush in
// arrival order.
func (e *Engine) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.remoteDescribed {
		e.pendingCandidates = append(e.pendingCandidates, candidate)
		return nil
	}
	if err := e.peer.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: add candidate: %v", domain.ErrNegotiationState, err)
	}
	return nil
}

// SendCandidate ships a locally gathered candidate to the remote side.
func (e *Engine) SendCandidate(candidate webrtc.ICECandidateInit) error {
	return e.send(signaling.SignalCandidate, candidate)
}

// Reset clears all negotiation state so a fresh exchange can begin, for
// example after the remote participant reconnects.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasSentOffer = false
	e.remoteDescribed = false
	e.pendingCandidates = nil
}

func (e *Engine) flushCandidates() {
	for _, c := range e.pendingCandidates {
		if err := e.peer.AddICECandidate(c); err != nil {
			util.LogWarning("negotiation: buffered candidate rejected: %v", err)
		}
	}
	e.pendingCandidates = nil
}
