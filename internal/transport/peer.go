// Package transport wraps a single PeerConnection and its chat DataChannel
// behind interfaces the negotiation and protocol layers can drive without
// touching pion directly. One Peer is exclusively owned by one session for
// its whole lifetime.
package transport

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

// Peer is the full connection surface a session needs: SDP/ICE exchange,
// the chat channel, and media track management for calls.
type Peer interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	// Rollback discards a pending local offer, returning the signaling
	// state to stable.
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	// OnICECandidate delivers each gathered local candidate in its wire
	// form. End-of-gathering is not delivered.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnNegotiationNeeded(fn func())

	// CreateChatChannel is called by the host; the guest receives the
	// channel through OnDataChannel instead.
	CreateChatChannel() (Channel, error)
	OnDataChannel(fn func(Channel))

	// AddMedia attaches local audio and video senders; RemoveMedia stops
	// and detaches them. OnTrack fires when remote media arrives.
	AddMedia() error
	RemoveMedia() error
	HasLocalMedia() bool
	OnTrack(fn func())

	Close() error
}

// pionPeer is the production Peer backed by a real PeerConnection.
type pionPeer struct {
	pc      *webrtc.PeerConnection
	senders []*webrtc.RTPSender
}

// NewPeer creates a PeerConnection configured with the given STUN servers.
func NewPeer(stunServers []string) (Peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

func (p *pionPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return p.pc.CreateOffer(opts)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *pionPeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

func (p *pionPeer) Rollback() error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnNegotiationNeeded(fn func()) {
	p.pc.OnNegotiationNeeded(fn)
}

func (p *pionPeer) CreateChatChannel() (Channel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(ChatChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return newPionChannel(dc), nil
}

func (p *pionPeer) OnDataChannel(fn func(Channel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChatChannelLabel {
			util.LogWarning("ignoring unexpected data channel %q", dc.Label())
			return
		}
		fn(newPionChannel(dc))
	})
}

func (p *pionPeer) AddMedia() error {
	if len(p.senders) > 0 {
		return nil
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "chatorbit")
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "chatorbit")
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}

	for _, track := range []webrtc.TrackLocal{audio, video} {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		p.senders = append(p.senders, sender)
	}
	return nil
}

func (p *pionPeer) RemoveMedia() error {
	var firstErr error
	for _, sender := range p.senders {
		if err := p.pc.RemoveTrack(sender); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove track: %w", err)
		}
	}
	p.senders = nil
	return firstErr
}

func (p *pionPeer) HasLocalMedia() bool { return len(p.senders) > 0 }

func (p *pionPeer) OnTrack(fn func()) {
	p.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
		fn()
	})
}

func (p *pionPeer) Close() error { return p.pc.Close() }
