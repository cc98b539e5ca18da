package backend

import (
	"context"
	"sync"
)

// conversation holds the chat history of a session and the cancel func of
// the stream currently reading from it.
type conversation struct {
	mu      sync.Mutex
	history []Message
	cancel  context.CancelFunc
	// interrupted is set by interrupt and cleared by begin.
	interrupted bool
}

func (c *conversation) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

// begin returns the messages to send and a context the stream must use.
func (c *conversation) begin(ctx context.Context, req Request) ([]Message, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.interrupted = false
	c.history = append(c.history, req.Messages...)

	msgs := make([]Message, len(c.history))
	copy(msgs, c.history)
	return msgs, streamCtx
}

// finish records the assistant reply and releases the stream context.
func (c *conversation) finish(reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reply != "" {
		c.history = append(c.history, Message{Role: "assistant", Content: reply})
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *conversation) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return
	}
	c.interrupted = true
	c.cancel()
}

func (c *conversation) wasInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

func (c *conversation) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}
