package template

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"poster-generation-service/internal/apperr"
)

// Template is resolved registry content for one templateRef.
type Template struct {
	Content string `json:"content"`
	Version string `json:"version"`
	// Required names placeholder paths that must resolve for an item to
	// render. A missing required placeholder fails the item permanently;
	// anything else unresolved is left as a literal marker.
	Required []string `json:"required,omitempty"`
}

// Registry resolves template references. Resolution failures for absent or
// inactive templates surface as NotFound.
type Registry interface {
	Resolve(ctx context.Context, ref string) (Template, error)
}

// HTTPRegistry talks to the external template registry service.
type HTTPRegistry struct {
	base   string
	client *http.Client
}

func NewHTTPRegistry(base string, timeout time.Duration) *HTTPRegistry {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRegistry{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

type registryResponse struct {
	Content  string   `json:"content"`
	Version  string   `json:"version"`
	Active   bool     `json:"active"`
	Required []string `json:"required"`
}

func (r *HTTPRegistry) Resolve(ctx context.Context, ref string) (Template, error) {
	u := fmt.Sprintf("%s/templates/%s", r.base, url.PathEscape(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Template{}, fmt.Errorf("build registry request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Template{}, apperr.Wrap(apperr.Transient, "template registry", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Template{}, apperr.New(apperr.NotFound, "template "+ref)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Template{}, apperr.New(apperr.Transient, fmt.Sprintf("template registry status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Template{}, fmt.Errorf("template registry status %d", resp.StatusCode)
	}

	var body registryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Template{}, fmt.Errorf("decode registry response: %w", err)
	}
	if !body.Active {
		return Template{}, apperr.New(apperr.NotFound, "template "+ref+" is inactive")
	}
	return Template{Content: body.Content, Version: body.Version, Required: body.Required}, nil
}

// StaticRegistry serves templates from memory, for dev mode and tests.
type StaticRegistry struct {
	templates map[string]Template
}

func NewStaticRegistry(templates map[string]Template) *StaticRegistry {
	if templates == nil {
		templates = map[string]Template{}
	}
	return &StaticRegistry{templates: templates}
}

func (r *StaticRegistry) Resolve(_ context.Context, ref string) (Template, error) {
	tpl, ok := r.templates[ref]
	if !ok {
		return Template{}, apperr.New(apperr.NotFound, "template "+ref)
	}
	return tpl, nil
}
