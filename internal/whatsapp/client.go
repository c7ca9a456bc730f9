package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// Client sends messages through the WhatsApp Cloud API.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the Graph API base URL
// (e.g. "https://graph.facebook.com/v18.0") and the sending phone number id.
func NewClient(graphBase, phoneID, token string, timeout time.Duration) *Client {
	return &Client{
		endpoint: fmt.Sprintf("%s/%s/messages", strings.TrimRight(graphBase, "/"), phoneID),
		token:    token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// TextPayload renders the send body for a plain text message.
func TextPayload(to, body string) (string, error) {
	payload := `{"messaging_product":"whatsapp","type":"text","text":{"preview_url":false}}`
	payload, err := sjson.Set(payload, "to", to)
	if err != nil {
		return "", err
	}
	return sjson.Set(payload, "text.body", body)
}

// SendText sends body to the given recipient.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	payload, err := TextPayload(to, body)
	if err != nil {
		return fmt.Errorf("whatsapp send payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp send status=%d body=%s", resp.StatusCode, truncate(string(respBody), 400))
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
