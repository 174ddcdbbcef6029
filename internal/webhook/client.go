package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client registers finished assets with the downstream system. Registration
// is best-effort: the caller logs failures and never lets them affect job
// state.
type Client struct {
	endpoint string
	client   *http.Client
}

func New(endpoint string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a downstream endpoint is configured at all.
func (c *Client) Enabled() bool { return c != nil && c.endpoint != "" }

type registration struct {
	EntityID  string         `json:"entity_id"`
	PublicURL string         `json:"public_url"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Register announces one completed asset downstream.
func (c *Client) Register(ctx context.Context, entityID, publicURL string, metadata map[string]any) error {
	body, err := json.Marshal(registration{EntityID: entityID, PublicURL: publicURL, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("register asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("register asset: status %d", resp.StatusCode)
	}
	return nil
}
