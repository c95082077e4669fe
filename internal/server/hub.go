package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/signaling"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Hub tracks the WebSocket connections of every session and relays
// signaling traffic between the two participants of each.
type Hub struct {
	registry *Registry

	mu     sync.Mutex
	rooms  map[string]map[string]*client // token -> participantID -> conn
	timers map[string]*time.Timer        // token -> TTL close timer
}

func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry: registry,
		rooms:    make(map[string]map[string]*client),
		timers:   make(map[string]*time.Timer),
	}
}

type client struct {
	hub           *Hub
	token         string
	participantID string
	conn          *websocket.Conn
	send          chan []byte
	closeOnce     sync.Once
}

// Attach takes ownership of an upgraded connection: greets the
// participant, announces the new presence, and runs the pumps. It
// returns when the connection is gone.
func (h *Hub) Attach(token, participantID string, conn *websocket.Conn) {
	c := &client{
		hub:           h,
		token:         token,
		participantID: participantID,
		conn:          conn,
		send:          make(chan []byte, 16),
	}

	h.mu.Lock()
	room, ok := h.rooms[token]
	if !ok {
		room = make(map[string]*client)
		h.rooms[token] = room
	}
	if prev, ok := room[participantID]; ok {
		prev.close()
	}
	room[participantID] = c
	h.mu.Unlock()

	c.enqueue(signaling.Envelope{Type: signaling.TypeSessionJoined})
	h.BroadcastStatus(token)

	go c.writePump()
	c.readPump()

	h.detach(c)
	h.BroadcastStatus(token)
}

// ScheduleTTL arms (or re-arms) the timer that closes the session when
// its TTL elapses.
func (h *Hub) ScheduleTTL(token string) {
	deadline, ok := h.registry.SessionDeadline(token)
	if !ok {
		return
	}
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}

	h.mu.Lock()
	if prev, ok := h.timers[token]; ok {
		prev.Stop()
	}
	h.timers[token] = time.AfterFunc(delay, func() {
		if h.registry.CloseIfExpired(token) {
			h.Terminate(token, signaling.TypeSessionClosed)
		}
	})
	h.mu.Unlock()
}

// Broadcast sends env to every participant of the session except the
// excluded one.
func (h *Hub) Broadcast(token string, env signaling.Envelope, exclude string) {
	data, err := json.Marshal(env)
	if err != nil {
		util.LogError("hub: marshal %s envelope: %v", env.Type, err)
		return
	}

	h.mu.Lock()
	var targets []*client
	for id, c := range h.rooms[token] {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueueRaw(data)
	}
}

// BroadcastStatus pushes the current session snapshot to everyone in
// the room.
func (h *Hub) BroadcastStatus(token string) {
	status, err := h.registry.Status(token)
	if err != nil {
		return
	}

	env := signaling.Envelope{
		Type:                  signaling.TypeStatus,
		Token:                 status.Token,
		Status:                status.Status,
		Participants:          status.Participants,
		ConnectedParticipants: h.connected(token),
		RemainingSeconds:      status.RemainingSeconds,
	}
	h.Broadcast(token, env, "")
}

// Terminate notifies the room the session is over and drops every
// connection.
func (h *Hub) Terminate(token string, reason signaling.EnvelopeType) {
	h.Broadcast(token, signaling.Envelope{Type: reason}, "")

	h.mu.Lock()
	room := h.rooms[token]
	delete(h.rooms, token)
	if timer, ok := h.timers[token]; ok {
		timer.Stop()
		delete(h.timers, token)
	}
	h.mu.Unlock()

	for _, c := range room {
		c.close()
	}
}

func (h *Hub) connected(token string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms[token]))
	for id := range h.rooms[token] {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.token]; ok {
		if room[c.participantID] == c {
			delete(room, c.participantID)
		}
		if len(room) == 0 {
			delete(h.rooms, c.token)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (c *client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("hub: %s read: %v", c.participantID, err)
			}
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.enqueue(signaling.Envelope{Type: signaling.TypeError, Message: "Invalid payload format."})
			continue
		}
		if env.Type != signaling.TypeSignal {
			c.enqueue(signaling.Envelope{Type: signaling.TypeError, Message: "Unsupported message type."})
			continue
		}
		if env.SignalType == "" {
			c.enqueue(signaling.Envelope{Type: signaling.TypeError, Message: "signalType is required."})
			continue
		}

		c.hub.Broadcast(c.token, signaling.Envelope{
			Type:       signaling.TypeSignal,
			SignalType: env.SignalType,
			Payload:    env.Payload,
			Sender:     c.participantID,
		}, c.participantID)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) enqueue(env signaling.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		util.LogError("hub: marshal %s envelope: %v", env.Type, err)
		return
	}
	c.enqueueRaw(data)
}

// enqueueRaw drops the frame if the client's buffer is full; a stalled
// reader must not block the room.
func (c *client) enqueueRaw(data []byte) {
	defer func() {
		// Send on a closed channel races with close(); losing that race
		// only means the frame is dropped along with the client.
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
		util.LogWarning("hub: dropping frame for %s (slow reader)", c.participantID)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
