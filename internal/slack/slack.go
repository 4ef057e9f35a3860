// Package slack contains the Slack Web API calls used to acknowledge and
// answer agent requests.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://slack.com/api"

var ErrNotConfigured = errors.New("slack: bot token is not configured")

type Client struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
}

func NewClient(botToken string) *Client {
	return &Client{
		baseURL:    DefaultBaseURL,
		botToken:   botToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithBaseURL returns a copy of the client talking to baseURL.
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := *c
	clone.baseURL = strings.TrimRight(baseURL, "/")
	return &clone
}

func (c *Client) Configured() bool {
	return c.botToken != ""
}

type Message struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
	User     string `json:"user,omitempty"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// PostMessage posts to a channel, threading the reply when threadTS is set.
// It returns the message timestamp.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	resp, err := c.call(ctx, "chat.postMessage", Message{Channel: channel, Text: text, ThreadTS: threadTS})
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

func (c *Client) PostEphemeral(ctx context.Context, channel, user, text string) error {
	_, err := c.call(ctx, "chat.postEphemeral", Message{Channel: channel, User: user, Text: text})
	return err
}

func (c *Client) call(ctx context.Context, method string, msg Message) (*apiResponse, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("slack: failed to encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.botToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: %s failed: %w", method, err)
	}
	defer httpResp.Body.Close()

	raw, _ := io.ReadAll(httpResp.Body)
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("slack: %s returned %d: %s", method, httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("slack: failed to decode %s response: %w", method, err)
	}
	// Slack reports most failures with HTTP 200 and ok=false.
	if !resp.OK {
		return nil, fmt.Errorf("slack: %s failed: %s", method, resp.Error)
	}
	return &resp, nil
}
