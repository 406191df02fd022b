package realtime

import (
	"sync"

	v1 "agora/contracts/chat/v1"
)

// Conn represents one admitted websocket connection.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent fan-out.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Conn struct {
	SessionID   string
	UserID      string
	DisplayName string
	Privileged  bool
	Send        chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(sessionID, userID, displayName string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep fan-out safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TrySend enqueues an envelope without blocking.
// Returns false when the connection is shutting down or the queue is full.
func (c *Conn) TrySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
