// Package domain holds the core types shared by every layer of the client:
// participant roles, session phases, chat messages, and call phases.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of the session a participant is.
// It is assigned once at join time and never changes.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Phase is the top-level session state. Transitions are monotonic:
// Waiting → Active → Ended, with no re-entry out of Ended.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseActive  Phase = "active"
	PhaseEnded   Phase = "ended"
)

// CallPhase is the media sub-session state.
type CallPhase string

const (
	CallIdle       CallPhase = "idle"
	CallRequesting CallPhase = "requesting"
	CallIncoming   CallPhase = "incoming"
	CallConnecting CallPhase = "connecting"
	CallActive     CallPhase = "active"
)

// Participant describes one of the (at most two) members of a session.
type Participant struct {
	ID       string    `json:"participant_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Message is one chat message as seen by the application. Messages live in
// device memory only; nothing in this module persists them.
//
// Encrypted is set when the payload arrived encrypted and could not be
// decrypted — the raw ciphertext is kept in Content so the failure is
// visible rather than silently dropped.
type Message struct {
	ID        string
	Content   string
	Encrypted bool
	Timestamp time.Time
}

// NewMessage builds an outgoing message with a fresh ID and timestamp.
func NewMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}
