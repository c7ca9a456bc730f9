// Package relay runs one conversation turn: record the incoming message,
// ask the model for a reply with recent context, and hand the reply back to
// the channel that received the message.
package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/history"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

// Journal records relay events. *db.Journal satisfies it.
type Journal interface {
	LogEvent(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

type nopJournal struct{}

func (nopJournal) LogEvent(*int64, string, map[string]any) (int64, error) { return 0, nil }

// DeliverFunc sends a reply back through the originating channel.
type DeliverFunc func(ctx context.Context, reply string) error

// Options tune a Service.
type Options struct {
	// WindowSize is k: up to k-1 prior messages are sent as context.
	WindowSize int
	UseContext bool
	// ModelName is recorded on turn events only.
	ModelName string
}

// Turn identifies one incoming message.
type Turn struct {
	Channel        string
	ConversationID history.ConversationID
	Text           string
	// ParentEventID links the turn's events under a process or request event.
	ParentEventID *int64
	// Attrs are copied into the message.received event.
	Attrs map[string]any
}

// Service wires the buffer, the generator and the journal together.
type Service struct {
	buffer    *history.Buffer
	generator *Generator
	journal   Journal
	opts      Options
}

// NewService creates a relay over an explicitly owned buffer. A nil journal
// disables event recording.
func NewService(buffer *history.Buffer, provider modelpkg.Provider, journal Journal, opts Options) *Service {
	if journal == nil {
		journal = nopJournal{}
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = history.DefaultWindowSize
	}
	return &Service{
		buffer:    buffer,
		generator: &Generator{Provider: provider},
		journal:   journal,
		opts:      opts,
	}
}

// Handle runs one turn. Turns for the same conversation are serialized for
// their whole duration, so the log order, the context each turn sees and the
// delivery order all follow the order in which turns acquire the
// conversation. Turns for different conversations run independently. A turn
// whose ctx is done by the time it acquires the conversation is dropped
// without touching the log.
func (s *Service) Handle(ctx context.Context, turn Turn, deliver DeliverFunc) error {
	unlock := s.buffer.Lock(turn.ConversationID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("conversation %s: %w", turn.ConversationID, err)
	}

	received := map[string]any{
		"channel":         turn.Channel,
		"conversation_id": string(turn.ConversationID),
		"text":            truncate(turn.Text, 1000),
	}
	for k, v := range turn.Attrs {
		received[k] = v
	}
	turnEventID, _ := s.journal.LogEvent(turn.ParentEventID, db.EventMessageReceived, received)
	parent := eventRef(turnEventID)

	prior := s.buffer.RecordAndGetContext(turn.Text, turn.ConversationID, s.opts.WindowSize)
	s.journal.LogEvent(parent, db.EventContextAssembled, map[string]any{
		"use_context":    s.opts.UseContext,
		"prior_count":    len(prior),
		"window_size":    s.opts.WindowSize,
		"history_tokens": estimateTokens(prior...),
		"user_tokens":    estimateTokens(turn.Text),
	})

	s.journal.LogEvent(parent, db.EventTurnStarted, map[string]any{
		"model_name": s.opts.ModelName,
	})
	started := time.Now()
	resp, err := s.generator.complete(ctx, turn.Text, prior, s.opts.UseContext)
	if err != nil {
		s.fail(parent, "generate", err)
		return fmt.Errorf("generate reply: %w", err)
	}
	s.journal.LogEvent(parent, db.EventTurnCompleted, map[string]any{
		"model_name":    s.opts.ModelName,
		"latency_ms":    time.Since(started).Milliseconds(),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})

	if err := deliver(ctx, resp.Content); err != nil {
		s.fail(parent, "deliver", err)
		return fmt.Errorf("deliver reply: %w", err)
	}
	s.journal.LogEvent(parent, db.EventReplySent, map[string]any{
		"channel":         turn.Channel,
		"conversation_id": string(turn.ConversationID),
		"chars":           len([]rune(resp.Content)),
	})
	log.Printf("[relay] reply sent channel=%s conversation=%s prior=%d", turn.Channel, turn.ConversationID, len(prior))
	return nil
}

func (s *Service) fail(parent *int64, stage string, err error) {
	s.journal.LogEvent(parent, db.EventRelayFailed, map[string]any{
		"stage": stage,
		"error": truncate(err.Error(), 1000),
	})
}

// Buffer exposes the message log the service appends to.
func (s *Service) Buffer() *history.Buffer {
	return s.buffer
}

func eventRef(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

// estimateTokens approximates four characters per token.
func estimateTokens(texts ...string) int {
	chars := 0
	for _, t := range texts {
		chars += len([]rune(t))
	}
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
