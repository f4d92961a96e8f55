package realtime

import (
	"encoding/json"
	"sync"

	v1 "vouch/shared/contracts/chat/v1"
)

// frame is an envelope encoded once and shared by every recipient.
type frame struct {
	typ  string
	data []byte
}

func encodeFrame(env v1.Envelope) (frame, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return frame{}, err
	}
	return frame{typ: env.Type, data: b}, nil
}

// Client represents one connected websocket.
//
// Design notes:
// - Send is never closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent; the first reason wins.
type Client struct {
	ID   string
	Send chan frame

	// Username is set once, before the client is added to the hub.
	Username string

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsMinSendQueueSize
	}
	return &Client{
		ID:   id,
		Send: make(chan frame, sendQueueSize),
		done: make(chan struct{}),
	}
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
func (c *Client) Close() { c.CloseWithReason("") }

// CloseWithReason is Close that records why the server gave up on the client.
func (c *Client) CloseWithReason(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// CloseReason returns the reason recorded by CloseWithReason.
// Only meaningful after Done is closed.
func (c *Client) CloseReason() string {
	<-c.Done()
	return c.reason
}

// enqueue is a non-blocking send.
func (c *Client) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- f:
		return true
	default:
		return false
	}
}
