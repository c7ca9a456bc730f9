// Package webhook serves the WhatsApp Cloud API webhook: the subscription
// handshake and inbound message notifications.
package webhook

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/history"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/whatsapp"
)

const (
	// Path is where the webhook is mounted.
	Path = "/webhook/"

	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// Relayer runs one conversation turn.
type Relayer interface {
	Handle(ctx context.Context, turn relay.Turn, deliver relay.DeliverFunc) error
}

// Sender delivers a text reply to a WhatsApp user.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
}

// Handler holds the webhook dependencies.
type Handler struct {
	relay   Relayer
	sender  Sender
	journal relay.Journal
	// processEventID parents every request's events.
	processEventID *int64
}

// NewHandler creates a handler. journal may be nil.
func NewHandler(r Relayer, s Sender, journal relay.Journal, processEventID *int64) *Handler {
	if journal == nil {
		journal = discard{}
	}
	return &Handler{relay: r, sender: s, journal: journal, processEventID: processEventID}
}

type discard struct{}

func (discard) LogEvent(*int64, string, map[string]any) (int64, error) { return 0, nil }

// NewRouter mounts the handler on a gin engine.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(Path, h.Verify)
	r.POST(Path, h.Receive)
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// Verify answers the subscription handshake by echoing hub.challenge.
// The verify token is not checked.
func (h *Handler) Verify(c *gin.Context) {
	log.Printf("[webhook] verify mode=%q token_set=%t", c.Query("hub.mode"), c.Query("hub.verify_token") != "")
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

// Receive handles a notification: text messages are relayed and answered,
// other notifications are acknowledged. Bodies that are not WhatsApp events
// get 404; any failure while relaying gets 500 with the error text.
func (h *Handler) Receive(c *gin.Context) {
	reqID := c.GetString(requestIDKey)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Printf("[webhook] read body request_id=%s: %v", reqID, err)
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	msg, err := whatsapp.ParseWebhook(body)
	var shapeErr *whatsapp.PayloadShapeError
	if errors.As(err, &shapeErr) {
		log.Printf("[webhook] rejected request_id=%s: %v", reqID, shapeErr)
		c.String(http.StatusNotFound, "not a WhatsApp API event")
		return
	}
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	if msg == nil || !msg.IsText() {
		payload := map[string]any{"request_id": reqID, "reason": "no_message"}
		if msg != nil {
			payload["reason"] = "unsupported_type"
			payload["type"] = msg.Type
		}
		h.journal.LogEvent(h.processEventID, db.EventWebhookIgnored, payload)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	turn := relay.Turn{
		Channel:        "whatsapp",
		ConversationID: history.ConversationID(msg.From),
		Text:           msg.Text,
		ParentEventID:  h.processEventID,
		Attrs: map[string]any{
			"request_id": reqID,
			"message_id": msg.ID,
		},
	}
	err = h.relay.Handle(c.Request.Context(), turn, func(ctx context.Context, reply string) error {
		return h.sender.SendText(ctx, msg.From, reply)
	})
	if err != nil {
		log.Printf("[webhook] relay failed request_id=%s from=%s: %v", reqID, msg.From, err)
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
