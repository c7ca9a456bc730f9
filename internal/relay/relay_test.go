package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/history"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

type recordedEvent struct {
	parent  *int64
	kind    string
	payload map[string]any
}

type memJournal struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (j *memJournal) LogEvent(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, recordedEvent{parent: parentID, kind: eventType, payload: payload})
	return int64(len(j.events)), nil
}

func (j *memJournal) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.kind)
	}
	return out
}

func collect(replies *[]string) DeliverFunc {
	return func(_ context.Context, reply string) error {
		*replies = append(*replies, reply)
		return nil
	}
}

func TestHandle_ScenarioWithContext(t *testing.T) {
	provider, err := dummy.NewProvider("local-model", "echo")
	require.NoError(t, err)
	journal := &memJournal{}
	svc := NewService(history.NewBuffer(), provider, journal, Options{WindowSize: 5, UseContext: true})

	var replies []string
	for _, text := range []string{"hi", "how are you", "tell me a joke"} {
		err := svc.Handle(context.Background(), Turn{Channel: "telegram", ConversationID: history.ChatID(42), Text: text}, collect(&replies))
		require.NoError(t, err)
	}

	require.Len(t, replies, 3)
	assert.Equal(t, "hi", replies[0])
	assert.Equal(t, ctxpkg.FormatWithContext([]string{"hi"}, "how are you"), replies[1])
	assert.Equal(t, ctxpkg.FormatWithContext([]string{"hi", "how are you"}, "tell me a joke"), replies[2])

	calls := provider.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, ctxpkg.SystemPrompt, calls[0][0].Content)
	assert.Equal(t, ctxpkg.ContextSystemPrompt, calls[2][0].Content)
	assert.Equal(t, []string{"hi", "how are you", "tell me a joke"}, svc.Buffer().Messages(history.ChatID(42)))

	assert.Equal(t, []string{
		db.EventMessageReceived, db.EventContextAssembled, db.EventTurnStarted, db.EventTurnCompleted, db.EventReplySent,
	}, journal.kinds()[:5])
}

func TestHandle_ContextDisabledSendsRawMessage(t *testing.T) {
	provider, err := dummy.NewProvider("local-model", "echo")
	require.NoError(t, err)
	svc := NewService(history.NewBuffer(), provider, nil, Options{WindowSize: 5, UseContext: false})

	var replies []string
	for _, text := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, svc.Handle(context.Background(), Turn{ConversationID: "15551234567", Text: text}, collect(&replies)))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, replies)
	for _, call := range provider.Calls() {
		require.Len(t, call, 2)
		assert.Equal(t, ctxpkg.SystemPrompt, call[0].Content)
	}
}

func TestHandle_ProviderFailureAbortsDelivery(t *testing.T) {
	provider, err := dummy.NewProvider("local-model", "err:provider_api")
	require.NoError(t, err)
	journal := &memJournal{}
	svc := NewService(history.NewBuffer(), provider, journal, Options{UseContext: true})

	delivered := false
	err = svc.Handle(context.Background(), Turn{ConversationID: "1", Text: "hi"}, func(context.Context, string) error {
		delivered = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate reply")
	assert.False(t, delivered)
	assert.Contains(t, journal.kinds(), db.EventRelayFailed)
	// The message is still part of the log.
	assert.Equal(t, 1, svc.Buffer().Len("1"))
}

func TestHandle_DeliveryFailure(t *testing.T) {
	provider, err := dummy.NewProvider("local-model", "msg:hello")
	require.NoError(t, err)
	svc := NewService(history.NewBuffer(), provider, nil, Options{})

	sendErr := errors.New("channel down")
	err = svc.Handle(context.Background(), Turn{ConversationID: "1", Text: "hi"}, func(context.Context, string) error {
		return sendErr
	})
	require.ErrorIs(t, err, sendErr)
}

func TestHandle_EventsLinkToParent(t *testing.T) {
	provider, err := dummy.NewProvider("local-model", "ok")
	require.NoError(t, err)
	journal := &memJournal{}
	svc := NewService(history.NewBuffer(), provider, journal, Options{})

	root := int64(99)
	require.NoError(t, svc.Handle(context.Background(), Turn{
		ConversationID: "1",
		Text:           "hi",
		ParentEventID:  &root,
		Attrs:          map[string]any{"request_id": "req-1"},
	}, collect(new([]string))))

	first := journal.events[0]
	require.NotNil(t, first.parent)
	assert.Equal(t, root, *first.parent)
	assert.Equal(t, "req-1", first.payload["request_id"])
	for _, e := range journal.events[1:] {
		require.NotNil(t, e.parent)
		assert.Equal(t, int64(1), *e.parent)
	}
}

// gateProvider tracks how many completions run at once.
type gateProvider struct {
	inFlight, maxInFlight int32
	delay                 time.Duration
}

func (p *gateProvider) ChatCompletion(_ context.Context, messages []ctxpkg.Message) (modelpkg.CompletionResponse, error) {
	n := atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)
	for {
		m := atomic.LoadInt32(&p.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&p.maxInFlight, m, n) {
			break
		}
	}
	time.Sleep(p.delay)
	return modelpkg.CompletionResponse{Content: messages[len(messages)-1].Content}, nil
}

func TestHandle_SerializesSameConversation(t *testing.T) {
	provider := &gateProvider{delay: 5 * time.Millisecond}
	svc := NewService(history.NewBuffer(), provider, nil, Options{UseContext: false})

	var mu sync.Mutex
	var replies []string
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := svc.Handle(context.Background(), Turn{ConversationID: "same", Text: fmt.Sprintf("m%d", i)}, func(_ context.Context, reply string) error {
				mu.Lock()
				replies = append(replies, reply)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), provider.maxInFlight)
	// Replies go out in the same order the messages entered the log.
	assert.Equal(t, svc.Buffer().Messages("same"), replies)
}

func TestHandle_DifferentConversationsRunConcurrently(t *testing.T) {
	provider := &gateProvider{delay: 50 * time.Millisecond}
	svc := NewService(history.NewBuffer(), provider, nil, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := history.ChatID(int64(i))
			assert.NoError(t, svc.Handle(context.Background(), Turn{ConversationID: id, Text: "hi"}, collect(new([]string))))
		}(i)
	}
	wg.Wait()
	assert.Greater(t, provider.maxInFlight, int32(1))
}

func TestGenerateReply_UsesContextOnlyWhenAsked(t *testing.T) {
	provider, err := dummy.NewProvider("local-model", "echo")
	require.NoError(t, err)
	g := &Generator{Provider: provider}

	got, err := g.GenerateReply(context.Background(), "now", []string{"before"}, false)
	require.NoError(t, err)
	assert.Equal(t, "now", got)

	got, err = g.GenerateReply(context.Background(), "now", []string{"before"}, true)
	require.NoError(t, err)
	assert.Equal(t, "Recent user messages:\n\nbefore\n\nUser message to answer:\n\nnow", got)
}

func TestHandle_DropsTurnCancelledWhileWaiting(t *testing.T) {
	provider, err := dummy.NewProvider("local-model", "echo")
	require.NoError(t, err)
	journal := &memJournal{}
	svc := NewService(history.NewBuffer(), provider, journal, Options{UseContext: true})

	unlock := svc.Buffer().Lock("busy")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var replies []string
	go func() {
		done <- svc.Handle(ctx, Turn{ConversationID: "busy", Text: "late"}, collect(&replies))
	}()
	cancel()
	unlock()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return")
	}
	assert.Equal(t, 0, svc.Buffer().Len("busy"))
	assert.Empty(t, provider.Calls())
	assert.Empty(t, replies)
	assert.Empty(t, journal.kinds())
}
