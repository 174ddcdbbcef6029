package render

import (
	"bytes"
	"context"
	"image"
	_ "image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"poster-generation-service/internal/apperr"
)

func TestLocalRendererProducesPNG(t *testing.T) {
	r, err := NewLocalRenderer(200, 250, "")
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}

	raster, err := r.Render(context.Background(), "Hello Ada\nScore: 97")
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	img, format, err := image.Decode(bytes.NewReader(raster))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "png" {
		t.Fatalf("expected png, got %s", format)
	}
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 250 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
}

func TestLocalRendererStableBackground(t *testing.T) {
	a := backgroundFor("poster one")
	b := backgroundFor("poster one")
	c := backgroundFor("poster two")
	if a != b {
		t.Fatal("background must be deterministic per content")
	}
	if a == c {
		t.Fatal("distinct content should get distinct background")
	}
}

func TestHTTPRendererErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	r := NewHTTPRenderer(srv.URL, 2*time.Second)
	ctx := context.Background()

	raster, err := r.Render(ctx, "ok")
	if err != nil || len(raster) == 0 {
		t.Fatalf("render: %v", err)
	}

	overloaded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer overloaded.Close()
	if _, err := NewHTTPRenderer(overloaded.URL, time.Second).Render(ctx, "x"); !apperr.IsTransient(err) {
		t.Fatalf("5xx must be transient, got %v", err)
	}

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer rejecting.Close()
	if _, err := NewHTTPRenderer(rejecting.URL, time.Second).Render(ctx, "x"); !apperr.IsPermanent(err) {
		t.Fatalf("400 must be permanent, got %v", err)
	}
}
