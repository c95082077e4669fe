// Package chatproto frames and parses application messages exchanged
// over the peer data channel: chat text, delivery acks, capability
// advertisements, and call control.
package chatproto

// CallAction is a call-control verb carried in a CallFrame.
type CallAction string

const (
	CallInvite  CallAction = "invite"
	CallAccept  CallAction = "accept"
	CallDecline CallAction = "decline"
	CallCancel  CallAction = "cancel"
	CallEnd     CallAction = "end"
)

// Frame is the closed set of application messages. Wire naming differs
// between client generations; both decode into these types so dispatch
// never branches on raw strings.
type Frame interface{ frame() }

// TextFrame is one chat message. Encrypted marks Content as a sealed
// payload that still needs (or failed) decryption.
type TextFrame struct {
	ID        string
	Content   string
	Encrypted bool
}

// AckFrame acknowledges receipt of a text frame. Advisory only; the
// channel is already ordered and reliable.
type AckFrame struct {
	MessageID string
}

// CapabilitiesFrame advertises what the sending client supports.
type CapabilitiesFrame struct {
	SupportsEncryption bool
}

// CallFrame carries a call-control action. From identifies the sender
// when the wire dialect includes it.
type CallFrame struct {
	Action CallAction
	From   string
}

func (TextFrame) frame()         {}
func (AckFrame) frame()          {}
func (CapabilitiesFrame) frame() {}
func (CallFrame) frame()         {}
