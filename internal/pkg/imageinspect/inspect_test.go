package imageinspect_test

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"testing"

	"github.com/mwork/mwork-api/internal/pkg/imageinspect"
)

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want imageinspect.Format
	}{
		{"png", pngBytes(t, 4, 4), imageinspect.FormatPNG},
		{"gif", gifBytes(t, 1), imageinspect.FormatGIF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := imageinspect.DetectFormat(tc.data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDetectFormatUnknown(t *testing.T) {
	_, err := imageinspect.DetectFormat([]byte("not an image"))
	if err != imageinspect.ErrUnknownFormat {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestInspectReportsFrameCount(t *testing.T) {
	meta, err := imageinspect.Inspect(gifBytes(t, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Format != imageinspect.FormatGIF {
		t.Fatalf("expected gif, got %s", meta.Format)
	}
	if meta.FrameCount != 3 {
		t.Fatalf("expected 3 frames, got %d", meta.FrameCount)
	}
}

func TestInspectStaticImageIsSingleFrame(t *testing.T) {
	meta, err := imageinspect.Inspect(pngBytes(t, 8, 8))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.FrameCount != 1 {
		t.Fatalf("expected 1 frame, got %d", meta.FrameCount)
	}
}

func TestPrepareFramesCapsSampleCountToFrameCount(t *testing.T) {
	frames := imageinspect.PrepareFrames(gifBytes(t, 2), 4, imageinspect.FormatGIF)
	if len(frames) != 2 {
		t.Fatalf("expected PrepareFrames to cap sampling at the gif's 2 actual frames, got %d", len(frames))
	}
}

func TestPrepareFramesDownscalesOversizedFrame(t *testing.T) {
	data := pngBytes(t, imageinspect.MaxVisionSide*2, 8)
	frames := imageinspect.PrepareFrames(data, 1, imageinspect.FormatPNG)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	img, err := imageinspect.Decode(frames[0], imageinspect.FormatPNG)
	if err != nil {
		t.Fatalf("decode downscaled frame: %v", err)
	}
	if b := img.Bounds(); b.Dx() > imageinspect.MaxVisionSide {
		t.Fatalf("expected width <= %d, got %d", imageinspect.MaxVisionSide, b.Dx())
	}
}

func TestPrepareFramesPassesThroughSmallStaticImage(t *testing.T) {
	frames := imageinspect.PrepareFrames(pngBytes(t, 8, 8), 4, imageinspect.FormatPNG)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png fixture: %v", err)
	}
	return buf.Bytes()
}

func gifBytes(t *testing.T, frames int) []byte {
	t.Helper()
	g := &gif.GIF{}
	pal := color.Palette{color.White, color.Black}
	for i := 0; i < frames; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, 4, 4), pal)
		g.Image = append(g.Image, frame)
		g.Delay = append(g.Delay, 0)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		t.Fatalf("encode gif fixture: %v", err)
	}
	return buf.Bytes()
}
