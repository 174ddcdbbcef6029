package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"poster-generation-service/internal/apperr"
)

// Renderer turns resolved template content into raster bytes. Malformed
// markup is a permanent failure; timeouts and overload responses are
// transient and retried by the worker.
type Renderer interface {
	Render(ctx context.Context, content string) ([]byte, error)
}

// HTTPRenderer calls the external rendering engine.
type HTTPRenderer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRenderer(endpoint string, timeout time.Duration) *HTTPRenderer {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRenderer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRenderer) Render(ctx context.Context, content string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "render engine", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperr.New(apperr.Transient, fmt.Sprintf("render engine status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusBadRequest:
		return nil, apperr.New(apperr.Permanent, "render engine rejected markup")
	default:
		return nil, fmt.Errorf("render engine status %d", resp.StatusCode)
	}

	raster, err := io.ReadAll(io.LimitReader(resp.Body, 50*1024*1024))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "read render response", err)
	}
	if len(raster) == 0 {
		return nil, apperr.New(apperr.Permanent, "render engine returned empty raster")
	}
	return raster, nil
}
