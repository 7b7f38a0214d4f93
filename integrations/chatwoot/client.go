package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/sirupsen/logrus"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

// Client is the account-scoped Chatwoot API client.
type Client struct {
	baseURL      string
	accountID    int64
	accountToken string
}

func NewClient(baseURL string, accountID int64, accountToken string) *Client {
	return &Client{baseURL: baseURL, accountID: accountID, accountToken: accountToken}
}

// Configured reports whether the adapter can actually send.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.accountID > 0 && c.accountToken != ""
}

// SendMessage posts an outgoing message to a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) error {
	req := map[string]interface{}{"content": content, "message_type": "outgoing"}
	url := fmt.Sprintf("%s/api/v1/accounts/%d/conversations/%d/messages", c.baseURL, c.accountID, conversationID)
	if err := c.jsonRequest(ctx, http.MethodPost, url, req, nil); err != nil {
		return fmt.Errorf("send message failed: %w", err)
	}
	return nil
}

// SendPrivateNote posts an agent-visible note to a conversation (used to
// confirm /bot commands).
func (c *Client) SendPrivateNote(ctx context.Context, conversationID int64, content string) error {
	req := map[string]interface{}{"content": content, "message_type": "outgoing", "private": true}
	url := fmt.Sprintf("%s/api/v1/accounts/%d/conversations/%d/messages", c.baseURL, c.accountID, conversationID)
	if err := c.jsonRequest(ctx, http.MethodPost, url, req, nil); err != nil {
		return fmt.Errorf("send private note failed: %w", err)
	}
	return nil
}

// jsonRequest unifica la creación, ejecución y decodificación de peticiones API.
func (c *Client) jsonRequest(ctx context.Context, method, url string, body interface{}, dest interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return faults.Wrap(faults.PermanentTransport, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("api_access_token", c.accountToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.TransientTransport, "chatwoot unreachable", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode >= 500 {
		return faults.New(faults.TransientTransport,
			fmt.Sprintf("chatwoot status %d: %s", resp.StatusCode, string(data)))
	}
	if resp.StatusCode >= 400 {
		logrus.Warnf("[CHATWOOT] request failed: status=%d body=%s", resp.StatusCode, string(data))
		return faults.New(faults.PermanentTransport,
			fmt.Sprintf("chatwoot status %d", resp.StatusCode))
	}

	if dest != nil {
		return json.Unmarshal(data, dest)
	}
	return nil
}
