// Package session is the top-level state machine for one chat session:
// it owns the signaling channel, the peer connection, the chat protocol,
// and the call controller, and coordinates them from a single event
// loop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/call"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/chatproto"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/config"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/cryptoutil"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/negotiation"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/rest"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/signaling"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/transport"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

// ErrChatNotReady is returned by SendText before the data channel opens.
var ErrChatNotReady = errors.New("session: chat channel not open yet")

// Session coordinates one participant's end of a chat session. Create
// it with New, then drive it with Run; Run returns when the session
// ends, the context is cancelled, or connectivity is lost for good.
type Session struct {
	cfg           *config.Config
	api           *rest.Client
	peer          transport.Peer
	token         string
	participantID string
	role          domain.Role

	engine *negotiation.Engine
	ctrl   *call.Controller

	mu       sync.Mutex
	phase    domain.Phase
	proto    *chatproto.Protocol
	chat     transport.Channel
	chatOpen bool
	sig      *signaling.Channel
	ending   bool
	fatal    error

	hostAttach func() error

	restartTimer *time.Timer
	connectTimer *time.Timer

	// tasks serializes peer-connection callbacks into the event loop.
	tasks chan func()

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	onMessage   func(domain.Message)
	onPhase     func(domain.Phase)
	onCallPhase func(domain.CallPhase)
}

// New assembles a session from a successful join. peer is the
// participant's peer connection; tests substitute an in-memory pair.
func New(cfg *config.Config, api *rest.Client, peer transport.Peer, token string, join rest.JoinSessionResponse) *Session {
	s := &Session{
		cfg:           cfg,
		api:           api,
		peer:          peer,
		token:         token,
		participantID: join.ParticipantID,
		role:          join.Role,
		phase:         domain.PhaseWaiting,
		tasks:         make(chan func(), 64),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	if join.SessionActive {
		s.phase = domain.PhaseActive
	}

	codec := cryptoutil.New(token)
	s.engine = negotiation.NewEngine(s.role, peer, s.sendSignal)
	s.ctrl = call.NewController(peer, s.sendCall, func() error {
		return s.engine.CreateAndSendOffer(false)
	})

	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(func() {
			if err := s.engine.SendCandidate(c); err != nil {
				util.LogWarning("session: candidate send: %v", err)
			}
		})
	})
	peer.OnNegotiationNeeded(func() {
		s.post(func() {
			if err := s.engine.CreateAndSendOffer(false); err != nil {
				util.LogWarning("session: renegotiation: %v", err)
			}
		})
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(func() { s.handleConnectionState(state) })
	})
	peer.OnTrack(s.ctrl.RemoteTrackStarted)
	if s.role == domain.RoleGuest {
		peer.OnDataChannel(func(ch transport.Channel) {
			s.post(func() { s.attachChat(ch, codec, join.MessageCharLimit) })
		})
	}

	// Host wiring happens on the session-joined event; stash what it
	// needs.
	s.hostAttach = func() error {
		ch, err := peer.CreateChatChannel()
		if err != nil {
			return err
		}
		s.attachChat(ch, codec, join.MessageCharLimit)
		return nil
	}
	return s
}

// OnMessage registers the inbound chat message callback.
func (s *Session) OnMessage(fn func(domain.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnPhaseChange registers the session phase callback.
func (s *Session) OnPhaseChange(fn func(domain.Phase)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPhase = fn
}

// OnCallPhaseChange registers the call phase callback.
func (s *Session) OnCallPhaseChange(fn func(domain.CallPhase)) {
	s.ctrl.OnPhaseChange(fn)
}

// Phase returns the current session phase.
func (s *Session) Phase() domain.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Ready is closed once the chat channel is open and usable.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed when the session reaches Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// SendText ships a chat message to the peer. It waits up to the
// configured message timeout for the chat channel to open, so a send
// issued right after joining does not race the channel-open handshake.
func (s *Session) SendText(content string) (domain.Message, error) {
	if s.Phase() == domain.PhaseEnded {
		return domain.Message{}, domain.ErrSessionTerminal
	}

	select {
	case <-s.ready:
	case <-s.done:
		return domain.Message{}, domain.ErrSessionTerminal
	case <-time.After(s.cfg.Chat.MessageTimeout):
		return domain.Message{}, fmt.Errorf("%w after %s", ErrChatNotReady, s.cfg.Chat.MessageTimeout)
	}

	s.mu.Lock()
	phase := s.phase
	proto := s.proto
	open := s.chatOpen
	s.mu.Unlock()

	if phase == domain.PhaseEnded {
		return domain.Message{}, domain.ErrSessionTerminal
	}
	if proto == nil || !open {
		return domain.Message{}, ErrChatNotReady
	}
	return proto.SendText(content)
}

// Invite, Accept, Decline, and EndCall drive the media call.
func (s *Session) Invite() error  { return s.guardCall(s.ctrl.Invite) }
func (s *Session) Accept() error  { return s.guardCall(s.ctrl.Accept) }
func (s *Session) Decline() error { return s.guardCall(s.ctrl.Decline) }
func (s *Session) EndCall() error { return s.guardCall(s.ctrl.End) }

// CallPhase returns the current call phase.
func (s *Session) CallPhase() domain.CallPhase { return s.ctrl.Phase() }

func (s *Session) guardCall(op func() error) error {
	if s.Phase() == domain.PhaseEnded {
		return domain.ErrSessionTerminal
	}
	return op()
}

// End terminates the session for both participants. The backend
// broadcasts the terminal event; the local phase flips immediately so
// further sends are rejected even before it arrives.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()

	err := s.api.EndSession(ctx, s.token)
	s.setPhase(domain.PhaseEnded)
	return err
}

// Run connects the signaling channel and processes events until the
// session ends. It always tears down the peer and socket before
// returning.
func (s *Session) Run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	defer s.teardown()

	// Joining an already-active session means negotiation starts now.
	if s.Phase() == domain.PhaseActive {
		s.armConnectDeadline()
	}

	reconnects := 0
	for {
		s.mu.Lock()
		events := s.sig.Events()
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()

		case fn := <-s.tasks:
			fn()
			if s.Phase() == domain.PhaseEnded {
				return s.fatalErr()
			}

		case ev, ok := <-events:
			if !ok {
				// Stream drained without a terminal event: the socket is
				// gone, so this is a drop like any other.
				if s.Phase() == domain.PhaseEnded || s.isEnding() {
					return nil
				}
				if err := s.reconnect(ctx, &reconnects); err != nil {
					return err
				}
				continue
			}
			switch e := ev.(type) {
			case signaling.Joined:
				reconnects = 0
				if err := s.handleJoined(); err != nil {
					util.LogError("session: join handling: %v", err)
				}

			case signaling.Signal:
				s.handleSignal(e)

			case signaling.Status:
				s.handleStatus(e)

			case signaling.Terminated:
				util.LogInfo("session ended (%s)", e.Reason)
				s.setPhase(domain.PhaseEnded)
				return nil

			case signaling.Disconnected:
				if s.Phase() == domain.PhaseEnded || s.isEnding() {
					return nil
				}
				util.LogWarning("signaling dropped: %v", e.Err)
				if err := s.reconnect(ctx, &reconnects); err != nil {
					return err
				}
			}
		}
	}
}

// reconnect redials signaling after a drop. Every attempt, including
// ones where the dial itself fails, counts against the budget;
// exhausting it ends the session with ErrConnectionLost.
func (s *Session) reconnect(ctx context.Context, attempts *int) error {
	for {
		*attempts++
		if *attempts > s.cfg.Chat.ReconnectAttempts {
			s.setPhase(domain.PhaseEnded)
			return fmt.Errorf("%w: reconnect attempts exhausted", domain.ErrConnectionLost)
		}
		backoff := time.Duration(*attempts) * time.Second
		util.LogWarning("reconnecting in %s (attempt %d/%d)",
			backoff, *attempts, s.cfg.Chat.ReconnectAttempts)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := s.connect(ctx); err != nil {
			util.LogWarning("session: reconnect: %v", err)
			continue
		}
		return nil
	}
}

func (s *Session) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.WebRTC.DialTimeout)
	defer cancel()

	sig, err := signaling.Connect(dialCtx, s.cfg.Server.BaseURL, s.token, s.participantID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sig = sig
	s.mu.Unlock()
	return nil
}

func (s *Session) handleJoined() error {
	if s.role != domain.RoleHost {
		return nil
	}
	s.mu.Lock()
	attached := s.proto != nil
	s.mu.Unlock()
	if !attached {
		if err := s.hostAttach(); err != nil {
			return err
		}
	}
	return s.engine.CreateAndSendOffer(false)
}

func (s *Session) handleSignal(e signaling.Signal) {
	var err error
	switch e.Type {
	case signaling.SignalOffer:
		var sdp signaling.SDPPayload
		if err = json.Unmarshal(e.Payload, &sdp); err == nil {
			err = s.engine.HandleOffer(sdp)
		}
	case signaling.SignalAnswer:
		var sdp signaling.SDPPayload
		if err = json.Unmarshal(e.Payload, &sdp); err == nil {
			err = s.engine.HandleAnswer(sdp)
		}
	case signaling.SignalCandidate:
		var candidate webrtc.ICECandidateInit
		if err = json.Unmarshal(e.Payload, &candidate); err == nil {
			err = s.engine.HandleCandidate(candidate)
		}
	}
	if err != nil {
		// Negotiation-state problems are absorbed here; they never
		// propagate past the session loop.
		util.LogWarning("session: %s handling: %v", e.Type, err)
	}
}

func (s *Session) handleStatus(e signaling.Status) {
	if e.Phase == domain.PhaseActive {
		s.setPhase(domain.PhaseActive)
		s.armConnectDeadline()
	}

	// A returning peer means the old connection state is stale: restart
	// negotiation from scratch. Only the host re-offers.
	if s.role == domain.RoleHost &&
		len(e.Connected) == 2 &&
		s.peer.ConnectionState() != webrtc.PeerConnectionStateConnected {
		s.engine.Reset()
		if err := s.engine.CreateAndSendOffer(false); err != nil {
			util.LogWarning("session: re-offer after peer return: %v", err)
		}
	}
}

// armConnectDeadline bounds the wait for the peer connection once both
// participants are in. A connection still not up when it elapses is as
// lost as one that failed outright. Armed at most once; reaching
// connected stops it.
func (s *Session) armConnectDeadline() {
	if s.connectTimer != nil {
		return
	}
	s.connectTimer = time.AfterFunc(s.cfg.WebRTC.ConnectTimeout, func() {
		s.post(func() {
			if s.peer.ConnectionState() == webrtc.PeerConnectionStateConnected ||
				s.Phase() == domain.PhaseEnded || s.isEnding() {
				return
			}
			util.LogError("peer connection not established within %s", s.cfg.WebRTC.ConnectTimeout)
			s.mu.Lock()
			s.fatal = domain.ErrConnectionLost
			s.mu.Unlock()
			s.setPhase(domain.PhaseEnded)
		})
	})
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.restartTimer = nil
		}
		if s.connectTimer != nil {
			s.connectTimer.Stop()
		}

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if s.isEnding() || s.Phase() == domain.PhaseEnded {
			return
		}
		if s.restartTimer != nil {
			return // restart already in flight
		}
		util.LogWarning("peer connection %s; attempting ICE restart", state)
		s.engine.Reset()
		if err := s.engine.CreateAndSendOffer(true); err != nil {
			util.LogWarning("session: ICE restart offer: %v", err)
		}
		s.restartTimer = time.AfterFunc(s.cfg.WebRTC.ICERestartWindow, func() {
			s.post(func() {
				if s.peer.ConnectionState() != webrtc.PeerConnectionStateConnected {
					util.LogError("ICE restart window elapsed without recovery")
					s.mu.Lock()
					s.fatal = domain.ErrConnectionLost
					s.mu.Unlock()
					s.setPhase(domain.PhaseEnded)
				}
			})
		})
	}
}

func (s *Session) attachChat(ch transport.Channel, codec *cryptoutil.Codec, charLimit int) {
	if ch.Label() != transport.ChatChannelLabel {
		util.LogDebug("session: ignoring data channel %q", ch.Label())
		return
	}

	proto := chatproto.New(ch, codec, charLimit, s.participantID)
	proto.OnText(func(m domain.Message) {
		s.mu.Lock()
		fn := s.onMessage
		s.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	})
	proto.OnCall(s.ctrl.HandleRemote)

	proto.OnOpen(func() {
		s.mu.Lock()
		s.chatOpen = true
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
	})
	ch.OnClose(func() {
		s.mu.Lock()
		s.chatOpen = false
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.proto = proto
	s.chat = ch
	s.mu.Unlock()

	// The channel must open within a bounded window; overrunning it is
	// reported but does not end the session.
	time.AfterFunc(s.cfg.WebRTC.DataChannelTimeout, func() {
		s.mu.Lock()
		open := s.chatOpen
		s.mu.Unlock()
		if !open && s.Phase() != domain.PhaseEnded {
			util.LogWarning("data channel not open after %s", s.cfg.WebRTC.DataChannelTimeout)
		}
	})
}

func (s *Session) sendSignal(t signaling.SignalType, payload any) error {
	s.mu.Lock()
	sig := s.sig
	s.mu.Unlock()
	if sig == nil {
		return fmt.Errorf("%w: signaling channel not connected", domain.ErrTransientNetwork)
	}
	return sig.Send(t, payload)
}

func (s *Session) sendCall(action chatproto.CallAction) error {
	s.mu.Lock()
	proto := s.proto
	open := s.chatOpen
	s.mu.Unlock()
	if proto == nil || !open {
		return ErrChatNotReady
	}
	return proto.SendCall(action)
}

func (s *Session) setPhase(to domain.Phase) {
	s.mu.Lock()
	if s.phase == to || s.phase == domain.PhaseEnded {
		s.mu.Unlock()
		return
	}
	from := s.phase
	s.phase = to
	fn := s.onPhase
	s.mu.Unlock()

	util.LogDebug("session: %s -> %s", from, to)
	if fn != nil {
		fn(to)
	}
	if to == domain.PhaseEnded {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

func (s *Session) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Session) isEnding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}

// post hands a callback to the event loop. Dropping under sustained
// overload is acceptable; these are state nudges, not data.
func (s *Session) post(fn func()) {
	select {
	case s.tasks <- fn:
	default:
		util.LogWarning("session: task queue full, dropping callback")
	}
}

// teardown releases everything in dependency order: media first, then
// the data channel, the peer connection, and finally the socket.
func (s *Session) teardown() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	if s.peer.HasLocalMedia() {
		if err := s.peer.RemoveMedia(); err != nil {
			util.LogDebug("session: media teardown: %v", err)
		}
	}
	s.mu.Lock()
	chat := s.chat
	sig := s.sig
	s.mu.Unlock()
	if chat != nil {
		_ = chat.Close()
	}
	if err := s.peer.Close(); err != nil {
		util.LogDebug("session: peer close: %v", err)
	}
	if sig != nil {
		_ = sig.Close()
	}
	s.doneOnce.Do(func() { close(s.done) })
}
