package collab

import (
	"sync"
	"sync/atomic"

	v1 "weave/contracts/collab/v1"
	"weave/internal/auth"
)

// Client represents one connected websocket connection.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - The bound identity is a one-shot atomic pointer: the read loop publishes
//   it while shutdown paths (write or ping failure) may concurrently read it
//   through the disconnect sweep.
type Client struct {
	ConnID string
	Send   chan v1.Envelope

	identity  atomic.Pointer[auth.Identity]
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Bind attaches the verified identity to the connection. It is a one-shot
// operation; later calls are ignored.
func (c *Client) Bind(id auth.Identity) {
	if c == nil {
		return
	}
	c.identity.CompareAndSwap(nil, &id)
}

// Identity returns the bound identity, or ok=false before the handshake
// completed.
func (c *Client) Identity() (auth.Identity, bool) {
	if c == nil {
		return auth.Identity{}, false
	}
	id := c.identity.Load()
	if id == nil {
		return auth.Identity{}, false
	}
	return *id, true
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
