package transport

import "sync"

// MemChannel is one end of an in-process data channel pipe. Sends on one
// end invoke the message handler registered on the other.
type MemChannel struct {
	mu sync.Mutex

	label  string
	remote *MemChannel
	opened bool
	closed bool

	onMessage func([]byte)
	onOpen    func()
	onClose   func()
}

// NewPipe returns two connected channel ends sharing the given label.
// Neither end is open until the owning peer pair establishes.
func NewPipe(label string) (*MemChannel, *MemChannel) {
	a := &MemChannel{label: label}
	b := &MemChannel{label: label}
	a.remote = b
	b.remote = a
	return a, b
}

func (c *MemChannel) Label() string { return c.label }

func (c *MemChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed || !c.opened {
		c.mu.Unlock()
		return errChannelClosed
	}
	c.mu.Unlock()

	c.remote.mu.Lock()
	handler := c.remote.onMessage
	closed := c.remote.closed
	c.remote.mu.Unlock()

	if closed {
		return errChannelClosed
	}
	if handler != nil {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	}
	return nil
}

func (c *MemChannel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *MemChannel) OnOpen(fn func()) {
	c.mu.Lock()
	alreadyOpen := c.opened
	c.onOpen = fn
	c.mu.Unlock()
	if alreadyOpen && fn != nil {
		fn()
	}
}

func (c *MemChannel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *MemChannel) Close() error {
	c.closeLocal()
	c.remote.closeLocal()
	return nil
}

// OpenPipe opens both ends of a pipe. Both are marked open before
// either OnOpen callback runs, so a callback may send immediately.
func OpenPipe(a, b *MemChannel) {
	fireA := a.markOpen()
	fireB := b.markOpen()
	if fireA != nil {
		fireA()
	}
	if fireB != nil {
		fireB()
	}
}

func (c *MemChannel) markOpen() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened || c.closed {
		return nil
	}
	c.opened = true
	return c.onOpen
}

func (c *MemChannel) closeLocal() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
