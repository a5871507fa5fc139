// Package client is the agent's HTTP binding to the central ingest
// service. Every call carries the API key headers; responses are decoded
// into the shared protocol types.
package client

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

	"github.com/sshguardian/guardian/pkg/protocol"
)

// Client talks to one guardian server.
type Client struct {
	baseURL string
	agentID string
	apiKey  string
	http    *http.Client
}

// New constructs a client. An empty API key is legal before approval; the
// server will refuse authenticated calls until registration completes.
func New(baseURL, agentID, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetAPIKey installs the key received at registration.
func (c *Client) SetAPIKey(key string) { c.apiKey = key }

// HasAPIKey reports whether the client holds a key.
func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

// apiStatusError carries a non-2xx response.
type apiStatusError struct {
	StatusCode int
	Body       string
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// IsTooManyRequests reports whether err is the server's back-pressure
// response; the caller retries on its next tick.
func IsTooManyRequests(err error) bool {
	var statusErr *apiStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderAgentID, c.agentID)
	if c.apiKey != "" {
		req.Header.Set(protocol.HeaderAPIKey, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w", method, path,
			&apiStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))})
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// Register announces the agent. The response carries the API key exactly
// once, on first registration.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/api/agents/register", req, &resp)
	return resp, err
}

// Heartbeat reports liveness and resource metrics.
func (c *Client) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error {
	var resp protocol.SuccessResponse
	return c.do(ctx, http.MethodPost, "/api/agents/heartbeat", req, &resp)
}

// SubmitBatch ships one batch of log lines.
func (c *Client) SubmitBatch(ctx context.Context, req protocol.LogBatchRequest) (protocol.LogBatchResponse, error) {
	var resp protocol.LogBatchResponse
	err := c.do(ctx, http.MethodPost, "/api/agents/logs", req, &resp)
	return resp, err
}

// SyncUFW pushes the full firewall inventory.
func (c *Client) SyncUFW(ctx context.Context, req protocol.UFWSyncRequest) (protocol.UFWSyncResponse, error) {
	var resp protocol.UFWSyncResponse
	err := c.do(ctx, http.MethodPost, "/api/agents/ufw/sync", req, &resp)
	return resp, err
}

// PollCommands fetches the pending command queue.
func (c *Client) PollCommands(ctx context.Context) ([]protocol.Command, error) {
	var resp protocol.CommandListResponse
	err := c.do(ctx, http.MethodGet, "/api/agents/ufw/commands?agent_id="+c.agentID, nil, &resp)
	return resp.Commands, err
}

// ReportResult acknowledges one executed command.
func (c *Client) ReportResult(ctx context.Context, commandID string, success bool, message string) error {
	var resp protocol.SuccessResponse
	return c.do(ctx, http.MethodPost, "/api/agents/firewall/command-result", protocol.CommandResultRequest{
		AgentID:    c.agentID,
		CommandID:  commandID,
		Success:    success,
		Message:    message,
		ExecutedAt: time.Now().UTC(),
	}, &resp)
}

// ReportFail2ban ships observed ban/unban events.
func (c *Client) ReportFail2ban(ctx context.Context, events []protocol.Fail2banEvent) error {
	if len(events) == 0 {
		return nil
	}
	var resp protocol.SuccessResponse
	return c.do(ctx, http.MethodPost, "/api/agents/fail2ban", protocol.Fail2banReport{
		AgentID: c.agentID,
		Events:  events,
	}, &resp)
}

// Health probes the server's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}
