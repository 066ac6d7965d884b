package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookClient posts reminders to a generic HTTP endpoint.
type WebhookClient struct {
	url    string
	client *http.Client
}

func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

const maxErrorBody = 512

func (c *WebhookClient) Send(ctx context.Context, chatID, text string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return "", Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, truncate(body))
		return "", classifyStatus(resp.StatusCode, err)
	}

	// The endpoint accepted the message; a missing or malformed body only
	// loses the remote id.
	var sr sendResponse
	if len(bytes.TrimSpace(body)) > 0 {
		_ = json.Unmarshal(body, &sr)
	}
	return sr.MessageID, nil
}

// classifyStatus treats the remaining 4xx codes as a rejection of the
// recipient or message. 401, 404 and 405 point at a wrong endpoint or
// credentials, which a config fix recovers from.
func classifyStatus(code int, err error) error {
	switch code {
	case http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests:
		return Transient(err)
	}
	if code >= 500 {
		return Transient(err)
	}
	return Permanent(err)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
