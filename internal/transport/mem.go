package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MemPeer is an in-process Peer implementation used by the test suites of
// the negotiation, call, and session layers. Two MemPeers created by
// NewMemPair share a link: once both sides complete an offer/answer
// exchange the link is established, the chat channel opens on both ends,
// and media added on one side surfaces as a remote track on the other.
//
// SDP payloads are synthetic; nothing here performs real ICE.
type MemPeer struct {
	mu sync.Mutex

	link  *memLink
	other *MemPeer

	sigState   webrtc.SignalingState
	connState  webrtc.PeerConnectionState
	remoteSet  bool
	localMedia bool
	offerSeq   int

	// OffersCreated counts CreateOffer calls for duplicate-offer tests.
	OffersCreated int
	// Applied records remote candidates in application order.
	Applied []webrtc.ICECandidateInit

	chatLocal   *MemChannel
	chatPending *MemChannel // remote end, delivered on establish

	onICE         func(webrtc.ICECandidateInit)
	onConnState   func(webrtc.PeerConnectionState)
	onNegotiation func()
	onDataChannel func(Channel)
	onTrack       func()
}

type memLink struct {
	establishOnce sync.Once
}

// NewMemPair returns two linked in-memory peers.
func NewMemPair() (*MemPeer, *MemPeer) {
	link := &memLink{}
	a := &MemPeer{link: link, sigState: webrtc.SignalingStateStable, connState: webrtc.PeerConnectionStateNew}
	b := &MemPeer{link: link, sigState: webrtc.SignalingStateStable, connState: webrtc.PeerConnectionStateNew}
	a.other = b
	b.other = a
	return a, b
}

func (p *MemPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerSeq++
	p.OffersCreated++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 mem-offer %d restart=%t", p.offerSeq, iceRestart),
	}, nil
}

func (p *MemPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 mem-answer"}, nil
}

func (p *MemPeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		p.sigState = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		p.sigState = webrtc.SignalingStateStable
	}
	fire := p.onICE
	p.mu.Unlock()

	// Mimic trickle: one synthetic candidate per local description.
	if fire != nil {
		fire(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:mem %s", sdp.Type)})
	}

	if sdp.Type == webrtc.SDPTypeAnswer {
		p.maybeEstablish()
	}
	return nil
}

func (p *MemPeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		if p.sigState == webrtc.SignalingStateHaveLocalOffer {
			p.mu.Unlock()
			return fmt.Errorf("mem peer: remote offer in state %s", p.sigState)
		}
		p.sigState = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.sigState != webrtc.SignalingStateHaveLocalOffer {
			p.mu.Unlock()
			return fmt.Errorf("mem peer: remote answer in state %s", p.sigState)
		}
		p.sigState = webrtc.SignalingStateStable
	}
	p.remoteSet = true
	p.mu.Unlock()

	if sdp.Type == webrtc.SDPTypeAnswer {
		p.maybeEstablish()
	}
	return nil
}

func (p *MemPeer) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigState = webrtc.SignalingStateStable
	return nil
}

func (p *MemPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Applied = append(p.Applied, candidate)
	return nil
}

func (p *MemPeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigState
}

func (p *MemPeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

func (p *MemPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *MemPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnState = fn
}

func (p *MemPeer) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNegotiation = fn
}

func (p *MemPeer) CreateChatChannel() (Channel, error) {
	local, remote := NewPipe(ChatChannelLabel)
	p.mu.Lock()
	p.chatLocal = local
	p.chatPending = remote
	p.mu.Unlock()
	return local, nil
}

func (p *MemPeer) OnDataChannel(fn func(Channel)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDataChannel = fn
}

func (p *MemPeer) AddMedia() error {
	p.mu.Lock()
	p.localMedia = true
	established := p.connState == webrtc.PeerConnectionStateConnected
	p.mu.Unlock()

	if established {
		p.other.fireTrack()
	}
	return nil
}

func (p *MemPeer) RemoveMedia() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localMedia = false
	return nil
}

func (p *MemPeer) HasLocalMedia() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localMedia
}

func (p *MemPeer) OnTrack(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *MemPeer) Close() error {
	p.setConnState(webrtc.PeerConnectionStateClosed)
	return nil
}

// FailConnection simulates an ICE failure on both linked peers.
func (p *MemPeer) FailConnection() {
	p.setConnState(webrtc.PeerConnectionStateFailed)
	p.other.setConnState(webrtc.PeerConnectionStateFailed)
}

// TriggerNegotiationNeeded fires the renegotiation callback, as pion does
// when local tracks change.
func (p *MemPeer) TriggerNegotiationNeeded() {
	p.mu.Lock()
	fn := p.onNegotiation
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *MemPeer) setConnState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connState = state
	fn := p.onConnState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *MemPeer) fireTrack() {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// maybeEstablish connects the link once both sides have accepted a remote
// description. The side that created the chat channel hands the remote end
// to its peer, then both ends open.
func (p *MemPeer) maybeEstablish() {
	p.mu.Lock()
	ready := p.remoteSet && p.other.hasRemote()
	p.mu.Unlock()
	if !ready {
		return
	}

	p.link.establishOnce.Do(func() {
		for _, side := range []*MemPeer{p, p.other} {
			side.setConnState(webrtc.PeerConnectionStateConnected)
		}
		for _, side := range []*MemPeer{p, p.other} {
			side.mu.Lock()
			pending := side.chatPending
			local := side.chatLocal
			deliver := side.other.onDataChannel
			side.mu.Unlock()

			if pending != nil {
				if deliver != nil {
					deliver(pending)
				}
				OpenPipe(local, pending)
			}
		}
		for _, side := range []*MemPeer{p, p.other} {
			side.mu.Lock()
			media := side.localMedia
			side.mu.Unlock()
			if media {
				side.other.fireTrack()
			}
		}
	})
}

func (p *MemPeer) hasRemote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}
