// Package gateway is the REST client for the external WhatsApp HTTP
// gateway (Evolution-style API).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/sirupsen/logrus"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

const sendRetries = 3

// Client talks to one gateway instance.
type Client struct {
	baseURL  string
	apiKey   string
	instance string
	timeout  time.Duration
}

func NewClient(baseURL, apiKey, instance string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, instance: instance, timeout: timeout}
}

// Configured reports whether the adapter can actually send.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

type sendTextRequest struct {
	Number      string `json:"number"`
	TextMessage struct {
		Text string `json:"text"`
	} `json:"textMessage"`
}

// SendText delivers a plain text message to a phone number. Transient
// failures (5xx, timeouts) are retried with exponential backoff; a 4xx is
// terminal and surfaces as PermanentTransport.
func (c *Client) SendText(ctx context.Context, number, text string) error {
	if !c.Configured() {
		return faults.New(faults.PermanentTransport, "whatsapp gateway not configured")
	}

	body := sendTextRequest{Number: number}
	body.TextMessage.Text = text
	payload, _ := json.Marshal(body)

	url := fmt.Sprintf("%s/message/sendText/%s", c.baseURL, c.instance)

	err := retry.Do(
		func() error { return c.post(ctx, url, payload) },
		retry.Attempts(sendRetries),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(faults.Retriable),
	)
	if err != nil {
		logrus.WithError(err).Errorf("[GATEWAY] sendText failed for %s", number)
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return faults.Wrap(faults.PermanentTransport, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.TransientTransport, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return nil
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 500 {
		return faults.New(faults.TransientTransport,
			fmt.Sprintf("gateway status %d: %s", resp.StatusCode, string(b)))
	}
	return faults.New(faults.PermanentTransport,
		fmt.Sprintf("gateway status %d: %s", resp.StatusCode, string(b)))
}
