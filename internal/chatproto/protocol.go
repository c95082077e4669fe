package chatproto

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/cryptoutil"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/transport"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

// ErrMessageTooLong is returned by SendText when the input exceeds the
// session's character limit.
var ErrMessageTooLong = errors.New("chatproto: message exceeds character limit")

// Protocol speaks the application protocol over one open data channel.
// It owns the capability handshake, encrypts outgoing text once both
// sides agreed to it, acks inbound text, and mirrors the peer's wire
// dialect.
type Protocol struct {
	ch            transport.Channel
	codec         *cryptoutil.Codec
	charLimit     int
	participantID string

	mu          sync.Mutex
	opened      bool
	capsSent    bool
	peerCaps    bool // capabilities frame seen from the peer
	peerEncrypt bool
	dialect     Dialect

	onText func(domain.Message)
	onCall func(CallAction, string)
	onOpen func()
}

// New wires a Protocol onto ch. codec may be nil to disable encryption
// support entirely. Capabilities are announced when the channel opens.
func New(ch transport.Channel, codec *cryptoutil.Codec, charLimit int, participantID string) *Protocol {
	p := &Protocol{
		ch:            ch,
		codec:         codec,
		charLimit:     charLimit,
		participantID: participantID,
		dialect:       DialectA,
	}
	ch.OnOpen(func() {
		p.mu.Lock()
		p.opened = true
		fn := p.onOpen
		p.mu.Unlock()

		if err := p.announceCapabilities(); err != nil {
			util.LogWarning("chatproto: capabilities announcement failed: %v", err)
		}
		if fn != nil {
			fn()
		}
	})
	ch.OnMessage(p.handleRaw)
	return p
}

// OnOpen registers a hook fired after the channel opens and the
// capability announcement goes out. Registering after the channel
// already opened fires the hook immediately.
func (p *Protocol) OnOpen(fn func()) {
	p.mu.Lock()
	opened := p.opened
	p.onOpen = fn
	p.mu.Unlock()
	if opened && fn != nil {
		fn()
	}
}

// OnText registers the handler for inbound chat messages. Messages that
// arrived encrypted but failed decryption are delivered with Encrypted
// still set and the raw payload in Content.
func (p *Protocol) OnText(fn func(domain.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onText = fn
}

// OnCall registers the handler for inbound call-control actions.
func (p *Protocol) OnCall(fn func(action CallAction, from string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCall = fn
}

// EncryptionAgreed reports whether both sides advertised encryption
// support. Until the peer's capabilities arrive this is false and text
// goes out in the clear.
func (p *Protocol) EncryptionAgreed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encryptionAgreedLocked()
}

func (p *Protocol) encryptionAgreedLocked() bool {
	return p.codec != nil && p.peerCaps && p.peerEncrypt
}

// SendText ships one chat message and returns the local record of it.
func (p *Protocol) SendText(content string) (domain.Message, error) {
	if p.charLimit > 0 && utf8.RuneCountInString(content) > p.charLimit {
		return domain.Message{}, fmt.Errorf("%w (%d > %d)", ErrMessageTooLong, utf8.RuneCountInString(content), p.charLimit)
	}

	msg := domain.NewMessage(content)

	p.mu.Lock()
	encrypt := p.encryptionAgreedLocked()
	dialect := p.dialect
	p.mu.Unlock()

	frame := TextFrame{ID: msg.ID, Content: content}
	if encrypt {
		sealed, err := p.codec.Encrypt(content)
		if err != nil {
			return domain.Message{}, err
		}
		frame.Content = sealed
		frame.Encrypted = true
	}

	if err := p.sendFrame(frame, dialect); err != nil {
		return domain.Message{}, err
	}
	util.Stats.AddMessageSent(len(content))
	return msg, nil
}

// SendCall ships a call-control action to the peer.
func (p *Protocol) SendCall(action CallAction) error {
	p.mu.Lock()
	dialect := p.dialect
	p.mu.Unlock()
	return p.sendFrame(CallFrame{Action: action, From: p.participantID}, dialect)
}

func (p *Protocol) announceCapabilities() error {
	p.mu.Lock()
	if p.capsSent {
		p.mu.Unlock()
		return nil
	}
	p.capsSent = true
	dialect := p.dialect
	supports := p.codec != nil
	p.mu.Unlock()

	if err := p.sendFrame(CapabilitiesFrame{SupportsEncryption: supports}, dialect); err != nil {
		p.mu.Lock()
		p.capsSent = false
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Protocol) sendFrame(f Frame, d Dialect) error {
	data, err := Encode(f, d)
	if err != nil {
		return err
	}
	return p.ch.Send(data)
}

func (p *Protocol) handleRaw(data []byte) {
	frame, dialect, err := Decode(data)
	if err != nil {
		util.LogWarning("chatproto: discarding frame: %v", err)
		return
	}

	p.mu.Lock()
	p.dialect = dialect
	p.mu.Unlock()

	switch f := frame.(type) {
	case TextFrame:
		p.handleText(f, dialect)
	case AckFrame:
		util.Stats.AddAck()
		util.LogDebug("chatproto: ack for %s", f.MessageID)
	case CapabilitiesFrame:
		p.handleCapabilities(f)
	case CallFrame:
		p.mu.Lock()
		fn := p.onCall
		p.mu.Unlock()
		if fn != nil {
			fn(f.Action, f.From)
		}
	}
}

func (p *Protocol) handleText(f TextFrame, dialect Dialect) {
	msg := domain.Message{
		ID:        f.ID,
		Content:   f.Content,
		Encrypted: f.Encrypted,
		Timestamp: time.Now().UTC(),
	}
	if f.Encrypted && p.codec != nil {
		plaintext, err := p.codec.Decrypt(f.Content)
		if err != nil {
			// Degrade: keep the raw payload visible instead of dropping it.
			util.LogWarning("chatproto: %v", err)
		} else {
			msg.Content = plaintext
			msg.Encrypted = false
		}
	}
	util.Stats.AddMessageRecv(len(msg.Content))

	// Advisory delivery ack; dialect B has no vocabulary for it.
	if dialect == DialectA && f.ID != "" {
		if err := p.sendFrame(AckFrame{MessageID: f.ID}, dialect); err != nil {
			util.LogDebug("chatproto: ack send failed: %v", err)
		}
	}

	p.mu.Lock()
	fn := p.onText
	p.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (p *Protocol) handleCapabilities(f CapabilitiesFrame) {
	p.mu.Lock()
	p.peerCaps = true
	p.peerEncrypt = f.SupportsEncryption
	p.mu.Unlock()

	// Echo our own advertisement once if the peer announced first.
	if err := p.announceCapabilities(); err != nil {
		util.LogWarning("chatproto: capabilities echo failed: %v", err)
	}
}
