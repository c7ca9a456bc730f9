// Package dummy provides script-driven stand-ins for the chat channel and
// the model provider. Scripts are comma-separated actions consumed one per
// call; the last action repeats once the script runs out.
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

// DefaultChatID is the chat that msg and msgb64 actions arrive from.
const DefaultChatID int64 = 1

type action struct {
	kind string
	arg  string
}

var prefixed = []string{"err", "sleep", "msg", "msgb64", "chat"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "echo" {
			actions = append(actions, action{kind: token})
			continue
		}
		parsed := false
		for _, kind := range prefixed {
			if strings.HasPrefix(token, kind+":") {
				actions = append(actions, action{kind: kind, arg: strings.TrimPrefix(token, kind+":")})
				parsed = true
				break
			}
		}
		if !parsed {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepMillis(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent is a message delivered through the dummy commander.
type Sent struct {
	ChatID int64
	Text   string
}

// Commander replays a poll script and a send script.
type Commander struct {
	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	sent     []Sent
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send}, nil
}

func (c *Commander) message(chatID int64, text string) []cmdpkg.Update {
	c.updateID++
	return []cmdpkg.Update{
		{
			UpdateID: c.updateID,
			Message: &cmdpkg.Message{
				MessageID: c.updateID,
				Chat:      cmdpkg.Chat{ID: chatID},
				Text:      &text,
				Date:      time.Now().Unix(),
			},
		},
	}
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.poll.next()
	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "channel_api"))
	case "sleep":
		return nil, sleepMillis(ctx, a.arg)
	case "msg":
		return c.message(DefaultChatID, a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		return c.message(DefaultChatID, string(raw)), nil
	case "chat":
		idStr, text, ok := strings.Cut(a.arg, ":")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if !ok || err != nil {
			return nil, fmt.Errorf("dummy commander invalid chat action: %s", a.arg)
		}
		return c.message(id, text), nil
	default:
		return nil, nil
	}
}

func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.send.next()
	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "channel_api"))
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, Sent{ChatID: chatID, Text: text})
	return nil
}

// Sent returns the messages delivered so far.
func (c *Commander) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// Provider replays a completion script. The echo action answers with the
// user turn it was given.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  [][]ctxpkg.Message
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, messages []ctxpkg.Message) (modelpkg.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, append([]ctxpkg.Message(nil), messages...))
	ok := func(content string) (modelpkg.CompletionResponse, error) {
		return modelpkg.CompletionResponse{Content: content, InputTokens: 1, OutputTokens: 1}, nil
	}

	a := p.script.next()
	switch a.kind {
	case "err":
		return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return modelpkg.CompletionResponse{}, err
		}
		return ok("dummy-after-sleep")
	case "msg":
		return ok(a.arg)
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return ok(string(raw))
	case "echo":
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == ctxpkg.RoleUser {
				return ok(messages[i].Content)
			}
		}
		return ok("")
	default:
		return ok("dummy-ok")
	}
}

// Calls returns the message lists passed to ChatCompletion so far.
func (p *Provider) Calls() [][]ctxpkg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]ctxpkg.Message, len(p.calls))
	copy(out, p.calls)
	return out
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
