package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// seedJournal inserts two process trees and returns their root ids.
//
//	process.started (bot)               id=1
//	├── message.received conv=42        id=2
//	│   ├── context.assembled           id=3
//	│   ├── turn.started                id=4
//	│   ├── turn.completed              id=5
//	│   └── reply.sent                  id=6
//	├── circuit.opened                  id=7
//	└── message.received conv=7         id=8
//	    └── relay.failed                id=9
//	process.started (webhook)           id=10
//	└── message.received conv=15551234  id=11
//	    └── reply.sent                  id=12
func seedJournal(t *testing.T, database *sql.DB) (botID, webhookID int64) {
	t.Helper()

	botID, _ = db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "bot", "pid": 100})
	turnID, _ := db.LogEvent(database, &botID, db.EventMessageReceived, map[string]any{"channel": "telegram", "conversation_id": "42", "text": "hi"})
	db.LogEvent(database, &turnID, db.EventContextAssembled, map[string]any{"prior_count": 0, "window_size": 5})
	db.LogEvent(database, &turnID, db.EventTurnStarted, map[string]any{"model_name": "local-model"})
	db.LogEvent(database, &turnID, db.EventTurnCompleted, map[string]any{"latency_ms": 1820, "input_tokens": 42, "output_tokens": 7})
	db.LogEvent(database, &turnID, db.EventReplySent, map[string]any{"conversation_id": "42"})
	db.LogEvent(database, &botID, db.EventCircuitOpened, map[string]any{"error_class": "channel_api"})
	failedID, _ := db.LogEvent(database, &botID, db.EventMessageReceived, map[string]any{"channel": "telegram", "conversation_id": "7"})
	db.LogEvent(database, &failedID, db.EventRelayFailed, map[string]any{"stage": "generate", "error": "upstream"})

	webhookID, _ = db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "webhook", "pid": 101})
	waID, _ := db.LogEvent(database, &webhookID, db.EventMessageReceived, map[string]any{"channel": "whatsapp", "conversation_id": "15551234"})
	db.LogEvent(database, &waID, db.EventReplySent, map[string]any{"conversation_id": "15551234"})
	return botID, webhookID
}

func TestLatestProcessRoot(t *testing.T) {
	database := testDB(t)
	botID, webhookID := seedJournal(t, database)

	got, err := latestProcessRoot(database, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != webhookID {
		t.Errorf("expected latest root id=%d, got %d", webhookID, got)
	}

	got, err = latestProcessRoot(database, "bot")
	if err != nil {
		t.Fatal(err)
	}
	if got != botID {
		t.Errorf("expected bot root id=%d, got %d", botID, got)
	}

	if _, err := latestProcessRoot(database, "supervisor"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestLatestProcessRoot_NoEvents(t *testing.T) {
	if _, err := latestProcessRoot(testDB(t), ""); err == nil {
		t.Fatal("expected error for empty database")
	}
}

func TestQuerySubtree(t *testing.T) {
	database := testDB(t)
	botID, webhookID := seedJournal(t, database)

	events, err := querySubtree(database, botID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 9 {
		t.Errorf("expected 9 events under bot root, got %d", len(events))
	}

	events, err = querySubtree(database, webhookID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events under webhook root, got %d", len(events))
	}
}

func TestBuildTree(t *testing.T) {
	database := testDB(t)
	botID, _ := seedJournal(t, database)

	events, _ := querySubtree(database, botID)
	root := buildTree(events, botID)
	if root == nil {
		t.Fatal("root is nil")
	}
	if len(root.Children) != 3 {
		t.Fatalf("expected 3 children under root, got %d", len(root.Children))
	}
	turn := root.Children[0]
	if turn.EventType != db.EventMessageReceived || len(turn.Children) != 4 {
		t.Fatalf("unexpected first turn: %s with %d children", turn.EventType, len(turn.Children))
	}
	if turn.Children[3].EventType != db.EventReplySent {
		t.Errorf("expected reply.sent last, got %s", turn.Children[3].EventType)
	}
}

func TestFilterConversation(t *testing.T) {
	database := testDB(t)
	botID, _ := seedJournal(t, database)

	events, _ := querySubtree(database, botID)
	root := buildTree(events, botID)
	filterConversation(root, "7")

	if len(root.Children) != 1 {
		t.Fatalf("expected only the conversation 7 turn, got %d children", len(root.Children))
	}
	if got := payloadField(root.Children[0], "conversation_id"); got != "7" {
		t.Errorf("expected conversation 7, got %q", got)
	}
}

func TestPrintTree(t *testing.T) {
	database := testDB(t)
	botID, _ := seedJournal(t, database)

	events, _ := querySubtree(database, botID)
	root := buildTree(events, botID)

	var buf bytes.Buffer
	printTree(&buf, root, "", true, 1, options{})
	out := buf.String()

	for _, want := range []string{
		"process.started  pid=100  role=bot",
		"├── [2] ",
		"│   └── [6] ",
		"latency_ms=1820",
		"└── [8] ",
		"    └── [9] ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines != 9 {
		t.Errorf("expected 9 lines, got %d", lines)
	}
}

func TestPrintTree_DepthLimit(t *testing.T) {
	database := testDB(t)
	botID, _ := seedJournal(t, database)

	events, _ := querySubtree(database, botID)
	root := buildTree(events, botID)

	var buf bytes.Buffer
	printTree(&buf, root, "", true, 1, options{maxDepth: 2, noPayload: true})
	out := buf.String()

	if strings.Contains(out, "[3]") {
		t.Errorf("depth 3 events should be hidden:\n%s", out)
	}
	if !strings.Contains(out, "[...]") {
		t.Errorf("expected truncation marker:\n%s", out)
	}
	if strings.Contains(out, "role=bot") {
		t.Errorf("payload should be hidden:\n%s", out)
	}
}

func TestPrintJSON(t *testing.T) {
	database := testDB(t)
	_, webhookID := seedJournal(t, database)

	events, _ := querySubtree(database, webhookID)
	root := buildTree(events, webhookID)

	var buf bytes.Buffer
	if err := printJSON(&buf, root, options{}); err != nil {
		t.Fatal(err)
	}

	var got jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != webhookID || len(got.Children) != 1 || len(got.Children[0].Children) != 1 {
		t.Fatalf("unexpected tree: %+v", got)
	}
	payload, ok := got.Children[0].Payload.(map[string]any)
	if !ok || payload["channel"] != "whatsapp" {
		t.Errorf("unexpected payload: %#v", got.Children[0].Payload)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"short", "short"},
		{float64(42), "42"},
		{1.5, "1.5"},
		{true, "true"},
		{strings.Repeat("a", 90), `"` + strings.Repeat("a", 80) + `..."`},
	}
	for _, c := range cases {
		if got := formatValue(c.in); got != c.want {
			t.Errorf("formatValue(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
