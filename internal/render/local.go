package render

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image/color"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
)

// LocalRenderer rasterizes resolved content without an external engine: each
// line of content becomes a line of text on a flat-color canvas. It exists
// for dev setups and tests, not for production fidelity.
type LocalRenderer struct {
	width  int
	height int
	face   font.Face
}

// NewLocalRenderer builds a renderer targeting the given output size. An
// empty fontPath falls back to gg's built-in face.
func NewLocalRenderer(width, height int, fontPath string) (*LocalRenderer, error) {
	if width <= 0 {
		width = 1080
	}
	if height <= 0 {
		height = 1350
	}
	r := &LocalRenderer{width: width, height: height}
	if fontPath != "" {
		face, err := loadFontFace(fontPath, float64(width)/16)
		if err != nil {
			return nil, fmt.Errorf("load poster font: %w", err)
		}
		r.face = face
	}
	return r, nil
}

func loadFontFace(path string, points float64) (font.Face, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := truetype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ttf: %w", err)
	}
	return truetype.NewFace(f, &truetype.Options{Size: points}), nil
}

func (r *LocalRenderer) Render(_ context.Context, content string) ([]byte, error) {
	// Supersample, then scale down for smoother text edges.
	w, h := r.width*2, r.height*2
	dc := gg.NewContext(w, h)

	dc.SetColor(backgroundFor(content))
	dc.DrawRectangle(0, 0, float64(w), float64(h))
	dc.Fill()

	if r.face != nil {
		dc.SetFontFace(r.face)
	}
	dc.SetColor(color.White)

	lines := strings.Split(strings.TrimSpace(content), "\n")
	lineGap := float64(h) / float64(len(lines)+1)
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tw, _ := dc.MeasureString(line)
		x := float64(w)/2 - tw/2
		y := lineGap * float64(i+1)
		dc.DrawString(line, x, y)
	}

	out := imaging.Resize(dc.Image(), r.width, r.height, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode poster: %w", err)
	}
	return buf.Bytes(), nil
}

// backgroundFor derives a stable color from the content so distinct posters
// are visually distinguishable in dev mode.
func backgroundFor(content string) color.NRGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(content))
	v := h.Sum32()
	return color.NRGBA{
		R: uint8(40 + v%120),
		G: uint8(40 + (v>>8)%120),
		B: uint8(60 + (v>>16)%140),
		A: 255,
	}
}
