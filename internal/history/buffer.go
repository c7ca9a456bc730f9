// Package history keeps the per-conversation message log that recent
// context is drawn from. The log lives in memory for the lifetime of the
// Buffer that owns it.
package history

import (
	"strconv"
	"sync"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
)

// DefaultWindowSize is the window used when callers pass a non-positive size.
// A window of k yields at most k-1 prior messages.
const DefaultWindowSize = 5

// ConversationID identifies one message stream: a Telegram chat or a
// WhatsApp sender.
type ConversationID string

// ChatID converts a numeric Telegram chat id.
func ChatID(id int64) ConversationID {
	return ConversationID(strconv.FormatInt(id, 10))
}

type conversation struct {
	turn sync.Mutex

	mu       sync.Mutex
	messages []string
}

// Buffer is an append-only message log keyed by conversation.
type Buffer struct {
	mu    sync.Mutex
	convs map[ConversationID]*conversation
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{convs: make(map[ConversationID]*conversation)}
}

func (b *Buffer) get(id ConversationID) *conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[id]
	if !ok {
		c = &conversation{}
		b.convs[id] = c
	}
	return c
}

func (b *Buffer) lookup(id ConversationID) *conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.convs[id]
}

// RecordAndGetContext appends message to the log of id and returns up to
// windowSize-1 of the messages that preceded it, oldest first. The new
// message is never part of the result.
func (b *Buffer) RecordAndGetContext(message string, id ConversationID, windowSize int) []string {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	c := b.get(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	prior := c.messages
	c.messages = append(c.messages, message)

	compressor := ctxpkg.SimpleCompressor{MaxMessages: windowSize - 1}
	return compressor.Compress(prior)
}

// Lock reserves id for a single writer until the returned func is called.
// Holders for different ids do not block each other.
func (b *Buffer) Lock(id ConversationID) (unlock func()) {
	c := b.get(id)
	c.turn.Lock()
	return c.turn.Unlock
}

// Messages returns a copy of the full log for id.
func (b *Buffer) Messages(id ConversationID) []string {
	c := b.lookup(id)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages logged for id.
func (b *Buffer) Len(id ConversationID) int {
	c := b.lookup(id)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Conversations returns the number of conversations seen so far.
func (b *Buffer) Conversations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.convs)
}
