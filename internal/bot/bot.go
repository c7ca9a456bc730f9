// Package bot runs the Telegram long-poll loop: it greets /start, relays
// every other text message and sends the reply back to the same chat.
package bot

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/history"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
)

// Greeting answers the /start command.
const Greeting = "Hi I'm a bot, how can I help?"

// Relayer runs one conversation turn.
type Relayer interface {
	Handle(ctx context.Context, turn relay.Turn, deliver relay.DeliverFunc) error
}

// Options tune the poll loop.
type Options struct {
	PollTimeout          int
	Sleep                time.Duration
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
}

// Bot owns the poll offset and the circuit breaker guarding getUpdates.
type Bot struct {
	commander cmdpkg.Commander
	relay     Relayer
	journal   relay.Journal
	circuit   *control.CircuitBreaker
	opts      Options
	// processEventID parents every event the bot records.
	processEventID *int64

	offset int64
}

// New creates a bot. journal may be nil.
func New(commander cmdpkg.Commander, r Relayer, journal relay.Journal, processEventID *int64, opts Options) *Bot {
	if journal == nil {
		journal = discard{}
	}
	return &Bot{
		commander:      commander,
		relay:          r,
		journal:        journal,
		circuit:        control.NewCircuitBreaker(5, 30*time.Second),
		opts:           opts,
		processEventID: processEventID,
	}
}

type discard struct{}

func (discard) LogEvent(*int64, string, map[string]any) (int64, error) { return 0, nil }

// Offset returns the next getUpdates offset.
func (b *Bot) Offset() int64 {
	return b.offset
}

// Run polls until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if b.offset == 0 && b.opts.DropPending {
		offset, err := b.bootstrapOffset(ctx)
		if err != nil {
			log.Printf("[bot] bootstrap offset error: %v", err)
		} else {
			b.offset = offset
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if !b.Poll(ctx) {
			b.sleep(ctx)
		}
	}
}

// Poll runs one getUpdates round and handles the batch. It reports whether
// any update arrived.
func (b *Bot) Poll(ctx context.Context) bool {
	allowed, tr := b.circuit.Allow(time.Now())
	if !allowed {
		return false
	}
	if tr.Changed() {
		b.journal.LogEvent(b.processEventID, db.EventCircuitHalfOpen, map[string]any{
			"error_class": b.circuit.OpenedClass(),
		})
	}

	updates, err := b.commander.GetUpdates(ctx, b.offset, b.opts.PollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Printf("[bot] getUpdates error: %v", err)
		if tr := b.circuit.RecordFailure(control.ClassChannelAPI, time.Now()); tr.Changed() && tr.To == control.CircuitOpen {
			b.journal.LogEvent(b.processEventID, db.EventCircuitOpened, map[string]any{
				"error_class":      control.ClassChannelAPI,
				"threshold":        b.circuit.Threshold,
				"cooldown_seconds": int(b.circuit.Cooldown.Seconds()),
			})
		}
		return false
	}
	if tr := b.circuit.RecordSuccess(); tr.Changed() {
		b.journal.LogEvent(b.processEventID, db.EventCircuitClosed, map[string]any{"recovered": true})
	}

	var wg sync.WaitGroup
	for _, chat := range groupByChat(updates) {
		wg.Add(1)
		go func(batch []cmdpkg.Update) {
			defer wg.Done()
			for _, u := range batch {
				b.HandleUpdate(ctx, u)
			}
		}(chat)
	}
	wg.Wait()
	if len(updates) > 0 {
		b.offset = updates[len(updates)-1].UpdateID + 1
	}
	return len(updates) > 0
}

// groupByChat splits a batch into per-chat runs, keeping batch order within
// each chat and first-seen order across chats. Updates without a message
// are dropped.
func groupByChat(updates []cmdpkg.Update) [][]cmdpkg.Update {
	index := map[int64]int{}
	var groups [][]cmdpkg.Update
	for _, u := range updates {
		if u.Message == nil {
			continue
		}
		id := u.Message.Chat.ID
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], u)
	}
	return groups
}

// HandleUpdate answers one update. Failures are logged; the reply is dropped.
func (b *Bot) HandleUpdate(ctx context.Context, update cmdpkg.Update) {
	if update.Message == nil || update.Message.Text == nil {
		return
	}
	text := *update.Message.Text
	if strings.TrimSpace(text) == "" {
		return
	}
	chatID := update.Message.Chat.ID

	if isStartCommand(text) {
		if err := b.commander.SendMessage(ctx, chatID, Greeting); err != nil {
			log.Printf("[bot] greeting failed chat_id=%d: %v", chatID, err)
		}
		return
	}

	log.Printf("[bot] message update_id=%d chat_id=%d text=%s", update.UpdateID, chatID, truncate(text, 200))
	turn := relay.Turn{
		Channel:        "telegram",
		ConversationID: history.ChatID(chatID),
		Text:           text,
		ParentEventID:  b.processEventID,
		Attrs: map[string]any{
			"update_id":  update.UpdateID,
			"message_id": update.Message.MessageID,
		},
	}
	err := b.relay.Handle(ctx, turn, func(ctx context.Context, reply string) error {
		return b.commander.SendMessage(ctx, chatID, reply)
	})
	if err != nil {
		log.Printf("[bot] reply aborted update_id=%d chat_id=%d: %v", update.UpdateID, chatID, err)
	}
}

// isStartCommand matches "/start", "/start@botname" and "/start <args>".
func isStartCommand(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return cmd == "/start"
}

// bootstrapOffset skips updates that queued up while the bot was down,
// keeping only the last PendingMaxMessages within PendingWindowSeconds.
func (b *Bot) bootstrapOffset(ctx context.Context) (int64, error) {
	updates, err := b.commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := time.Now().Unix() - b.opts.PendingWindowSeconds

	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}

	if b.opts.PendingMaxMessages > 0 && len(inWindow) > b.opts.PendingMaxMessages {
		inWindow = inWindow[len(inWindow)-b.opts.PendingMaxMessages:]
	}

	return inWindow[0].UpdateID, nil
}

func (b *Bot) sleep(ctx context.Context) {
	if b.opts.Sleep <= 0 {
		return
	}
	select {
	case <-time.After(b.opts.Sleep):
	case <-ctx.Done():
	}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
