// Package signaling owns the WebSocket leg of a session: the typed JSON
// envelope exchanged with the session endpoint and the event stream it is
// decoded into. It performs no SDP/ICE logic itself.
package signaling

import (
	"encoding/json"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
)

// EnvelopeType identifies the kind of signaling envelope.
type EnvelopeType string

const (
	TypeSessionJoined EnvelopeType = "session-joined"
	TypeSignal        EnvelopeType = "signal"
	TypeStatus        EnvelopeType = "status"
	TypeError         EnvelopeType = "error"

	// Terminal types. Historical clients emitted both dash and underscore
	// spellings; all of them end the session.
	TypeSessionEnded   EnvelopeType = "session-ended"
	TypeSessionDeleted EnvelopeType = "session_deleted"
	TypeSessionClosed  EnvelopeType = "session_closed"
	TypeSessionExpired EnvelopeType = "session_expired"
)

// SignalType discriminates the payload of a "signal" envelope.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "iceCandidate"
)

// Envelope is the JSON structure exchanged over the session WebSocket.
// Status broadcasts flatten the session snapshot into the same envelope.
type Envelope struct {
	Type       EnvelopeType    `json:"type"`
	SignalType SignalType      `json:"signalType,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Sender     string          `json:"sender,omitempty"`

	// Error envelopes.
	Message string `json:"message,omitempty"`

	// Status envelopes.
	Token                 string               `json:"token,omitempty"`
	Status                string               `json:"status,omitempty"`
	Participants          []domain.Participant `json:"participants,omitempty"`
	ConnectedParticipants []string             `json:"connected_participants,omitempty"`
	RemainingSeconds      *int                 `json:"remaining_seconds,omitempty"`
}

// SDPPayload is the payload of offer/answer signal envelopes.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// terminal reports whether the envelope type ends the session.
func (t EnvelopeType) terminal() bool {
	switch t {
	case TypeSessionEnded, TypeSessionDeleted, TypeSessionClosed, TypeSessionExpired:
		return true
	}
	return false
}
