package signaling

import (
	"encoding/json"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
)

// Event is the closed set of things a session can observe on the signaling
// channel. Consumers dispatch with a type switch; the sealed marker keeps
// the set closed to this package.
type Event interface {
	sealed()
}

// Joined is delivered once when the endpoint acknowledges the connection.
type Joined struct{}

// Signal carries one SDP description or ICE candidate from the remote peer.
type Signal struct {
	Type    SignalType
	Payload json.RawMessage
	Sender  string
}

// Status is a session snapshot broadcast by the endpoint.
type Status struct {
	Phase            domain.Phase
	Participants     []domain.Participant
	Connected        []string
	RemainingSeconds int
}

// Terminated is the last event on the stream for terminal session states.
type Terminated struct {
	Reason EnvelopeType
}

// Disconnected reports that the WebSocket dropped without a terminal event.
// The session may reconnect with backoff.
type Disconnected struct {
	Err error
}

func (Joined) sealed()       {}
func (Signal) sealed()       {}
func (Status) sealed()       {}
func (Terminated) sealed()   {}
func (Disconnected) sealed() {}

// phaseFromStatus maps the endpoint's session status strings onto the
// client phase machine.
func phaseFromStatus(status string) domain.Phase {
	switch status {
	case "active":
		return domain.PhaseActive
	case "closed", "expired", "deleted":
		return domain.PhaseEnded
	default:
		// "issued" and anything unrecognized: still waiting for the peer.
		return domain.PhaseWaiting
	}
}
