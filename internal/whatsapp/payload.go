package whatsapp

import (
	"fmt"

	"github.com/tidwall/gjson"
)

const messagePath = "entry.0.changes.0.value.messages.0"

// PayloadShapeError reports a webhook body that is not a WhatsApp Cloud API
// event envelope.
type PayloadShapeError struct {
	Path string
}

func (e *PayloadShapeError) Error() string {
	return fmt.Sprintf("not a WhatsApp API event: missing %s", e.Path)
}

// InboundMessage is the first message of a webhook notification.
type InboundMessage struct {
	ID   string
	From string
	Type string
	// Text is empty for non-text messages.
	Text string
}

// IsText reports whether the message carries a text body to answer.
func (m *InboundMessage) IsText() bool {
	return m.Type == "text" && m.Text != ""
}

// ParseWebhook extracts the first message of a notification. A body without
// the object/entry envelope yields a *PayloadShapeError. A valid envelope
// without messages (delivery statuses and the like) yields nil, nil.
func ParseWebhook(body []byte) (*InboundMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, &PayloadShapeError{Path: "object"}
	}
	root := gjson.ParseBytes(body)
	if !root.Get("object").Exists() {
		return nil, &PayloadShapeError{Path: "object"}
	}
	if !root.Get("entry.0").Exists() {
		return nil, &PayloadShapeError{Path: "entry"}
	}

	msg := root.Get(messagePath)
	if !msg.Exists() || !msg.IsObject() {
		return nil, nil
	}
	from := msg.Get("from").String()
	if from == "" {
		return nil, &PayloadShapeError{Path: messagePath + ".from"}
	}
	typ := msg.Get("type").String()
	text := msg.Get("text.body").String()
	if typ == "" && text != "" {
		typ = "text"
	}
	return &InboundMessage{
		ID:   msg.Get("id").String(),
		From: from,
		Type: typ,
		Text: text,
	}, nil
}
