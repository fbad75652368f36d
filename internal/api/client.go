// internal/api/client.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/live2d-driver/facedriver/pkg/core"
	"github.com/live2d-driver/facedriver/pkg/protocol"
)

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// Client talks to the backend's HTTP surface.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client. apiKey, when set, is sent as a bearer token.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Healthcheck checks if the backend HTTP surface is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	resp, err := c.get(ctx, "/healthcheck")
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// Models fetches the avatar model list from GET /api/models. The body may
// be a list of descriptors, a list of names, or {"models": [...]}.
func (c *Client) Models(ctx context.Context) ([]core.ModelDescriptor, error) {
	resp, err := c.get(ctx, "/api/models")
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}

	models, err := protocol.DecodeModels(protocol.Telemetry{Type: protocol.TypeModelsList, Data: json.RawMessage(body)})
	if err != nil {
		return nil, err
	}
	return models, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}
