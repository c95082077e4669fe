package transport

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ChatChannelLabel is the data channel label used for the message protocol.
// The channel is ordered and reliable; the protocol layer depends on both.
const ChatChannelLabel = "chat"

// Channel is the byte-stream surface the message protocol runs on.
type Channel interface {
	Label() string
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnOpen(fn func())
	OnClose(fn func())
	Close() error
}

var errChannelClosed = errors.New("data channel closed")

// pionChannel adapts a pion DataChannel to Channel. OnOpen fires at most
// once even if pion re-delivers the open callback.
type pionChannel struct {
	dc       *webrtc.DataChannel
	openOnce sync.Once
}

func newPionChannel(dc *webrtc.DataChannel) *pionChannel {
	return &pionChannel{dc: dc}
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Send(data []byte) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelClosed
	}
	return c.dc.Send(data)
}

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy because pion reuses internal buffers.
		fn(append([]byte(nil), msg.Data...))
	})
}

func (c *pionChannel) OnOpen(fn func()) {
	c.dc.OnOpen(func() {
		c.openOnce.Do(fn)
	})
}

func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) Close() error { return c.dc.Close() }
