package template

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"poster-generation-service/internal/apperr"
)

func TestHTTPRegistryResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/templates/promo-v2":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"content":"Hi {{name}}","version":"2","active":true,"required":["name"]}`))
		case "/templates/retired":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"content":"old","version":"1","active":false}`))
		case "/templates/flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, 2*time.Second)
	ctx := context.Background()

	tpl, err := reg.Resolve(ctx, "promo-v2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tpl.Content != "Hi {{name}}" || tpl.Version != "2" || len(tpl.Required) != 1 {
		t.Fatalf("unexpected template: %+v", tpl)
	}

	if _, err := reg.Resolve(ctx, "nope"); !apperr.IsNotFound(err) {
		t.Fatalf("absent template must be NotFound, got %v", err)
	}
	if _, err := reg.Resolve(ctx, "retired"); !apperr.IsNotFound(err) {
		t.Fatalf("inactive template must be NotFound, got %v", err)
	}
	if _, err := reg.Resolve(ctx, "flaky"); !apperr.IsTransient(err) {
		t.Fatalf("5xx must be transient, got %v", err)
	}
}

func TestStaticRegistry(t *testing.T) {
	reg := NewStaticRegistry(map[string]Template{
		"tpl": {Content: "x", Version: "1"},
	})

	if _, err := reg.Resolve(context.Background(), "tpl"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := reg.Resolve(context.Background(), "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
