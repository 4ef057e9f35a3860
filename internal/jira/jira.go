// Package jira is a minimal Jira Cloud REST v3 client used to reply on
// tickets that triggered an agent task.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("jira: url, email and api token are required")

type Client struct {
	baseURL    string
	email      string
	apiToken   string
	httpClient *http.Client
}

func NewClient(baseURL, email, apiToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      email,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Configured() bool {
	return c.baseURL != "" && c.email != "" && c.apiToken != ""
}

// PostComment adds a comment to issueKey. Each line of body becomes an
// Atlassian Document Format paragraph.
func (c *Client) PostComment(ctx context.Context, issueKey, body string) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	payload := map[string]any{"body": document(body)}
	path := "/rest/api/3/issue/" + url.PathEscape(issueKey) + "/comment"
	if err := c.do(ctx, http.MethodPost, path, payload, &created); err != nil {
		return "", fmt.Errorf("failed to post comment on %s: %w", issueKey, err)
	}
	return created.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("jira returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func document(text string) map[string]any {
	var paragraphs []any
	for _, line := range strings.Split(text, "\n") {
		paragraph := map[string]any{"type": "paragraph", "content": []any{}}
		if line != "" {
			paragraph["content"] = []any{map[string]any{"type": "text", "text": line}}
		}
		paragraphs = append(paragraphs, paragraph)
	}
	return map[string]any{"type": "doc", "version": 1, "content": paragraphs}
}
