package domain

import "errors"

// Error taxonomy. Recoverable conditions are handled close to where they
// occur; only terminal session events and exhausted connection recovery
// reach the caller.
var (
	// ErrTransientNetwork marks a WebSocket-level failure that is retried
	// with backoff rather than ending the session.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrNegotiationState marks an SDP/ICE message that arrived in an
	// incompatible state. Discarded and logged, never raised to the caller.
	ErrNegotiationState = errors.New("negotiation state mismatch")

	// ErrEncryption marks an AEAD decode failure. The receiver degrades to
	// the raw payload instead of dropping the message.
	ErrEncryption = errors.New("encryption error")

	// ErrSessionTerminal is returned for any join or send attempted after
	// the session reached the ended phase.
	ErrSessionTerminal = errors.New("session has ended")

	// ErrConnectionLost means the ICE restart window was exhausted.
	// Fatal for this session instance.
	ErrConnectionLost = errors.New("peer connection lost")
)
