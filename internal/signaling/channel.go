package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

// Channel owns one WebSocket to the session endpoint. Inbound envelopes are
// decoded into Events; outbound signal envelopes are serialized through a
// mutex-guarded writer.
type Channel struct {
	conn   *websocket.Conn
	events chan Event

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials the session WebSocket endpoint, e.g.:
//
//	wss://example.com/ws/sessions/{token}?participantId=...
//
// Dial failures are reported as domain.ErrTransientNetwork; the caller may
// retry with backoff. The returned channel's event stream is live
// immediately.
func Connect(ctx context.Context, baseURL, token, participantID string) (*Channel, error) {
	wsURL, err := sessionURL(baseURL, token, participantID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransientNetwork, wsURL, err)
	}

	ch := &Channel{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// Events returns the inbound event stream. It is closed after a Terminated
// or Disconnected event, or when the channel is closed locally.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Send writes a signal envelope. The payload is marshalled as-is.
func (c *Channel) Send(t SignalType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", t, err)
	}
	return c.write(Envelope{Type: TypeSignal, SignalType: t, Payload: raw})
}

// Close shuts down the WebSocket. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrTransientNetwork, err)
	}
	return nil
}

// readLoop decodes envelopes into events until the socket dies or a
// terminal envelope arrives. Unknown envelope and signal types are logged
// and discarded, never fatal.
func (c *Channel) readLoop() {
	defer close(c.events)

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				// Local close; not an error.
			default:
				c.events <- Disconnected{Err: fmt.Errorf("%w: read: %v", domain.ErrTransientNetwork, err)}
			}
			return
		}

		switch {
		case env.Type == TypeSessionJoined:
			c.events <- Joined{}

		case env.Type == TypeSignal:
			switch env.SignalType {
			case SignalOffer, SignalAnswer, SignalCandidate:
				c.events <- Signal{Type: env.SignalType, Payload: env.Payload, Sender: env.Sender}
			default:
				util.LogWarning("discarding signal with unknown signalType %q", env.SignalType)
			}

		case env.Type == TypeStatus:
			remaining := 0
			if env.RemainingSeconds != nil {
				remaining = *env.RemainingSeconds
			}
			c.events <- Status{
				Phase:            phaseFromStatus(env.Status),
				Participants:     env.Participants,
				Connected:        env.ConnectedParticipants,
				RemainingSeconds: remaining,
			}

		case env.Type == TypeError:
			util.LogWarning("session endpoint error: %s", env.Message)

		case env.Type.terminal():
			c.events <- Terminated{Reason: env.Type}
			return

		default:
			util.LogWarning("discarding envelope with unknown type %q", env.Type)
		}
	}
}

// sessionURL converts the REST base URL into the session WebSocket URL.
func sessionURL(baseURL, token, participantID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL: %s", baseURL)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/ws/sessions/%s", token)
	u.RawQuery = url.Values{"participantId": {participantID}}.Encode()
	return u.String(), nil
}
