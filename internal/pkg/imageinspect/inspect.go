// Package imageinspect looks at raw image bytes and answers the three
// questions the catalog and worker need before anything touches the disk or
// a model: what format is this, what is its content hash, and — for
// animated input — which frames should actually be sent to the vision
// client.
package imageinspect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/webp"
)

// Format is one of the four MIME families this catalog accepts.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
)

// ErrUnknownFormat is returned by DetectFormat when the magic bytes don't
// match any of the four accepted formats.
var ErrUnknownFormat = errors.New("imageinspect: unrecognized image format")

// MimeType returns the canonical MIME type for a Format.
func (f Format) MimeType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Ext returns the file extension Blob Store should use for a Format.
func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	default:
		return string(f)
	}
}

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	gifMagic  = []byte("GIF8")
)

// DetectFormat identifies the image format from its magic-byte prefix.
// WebP's marker sits at offset 8 ("RIFF" + 4-byte size + "WEBP"), so up to
// 12 bytes are inspected even though the other three formats only need 8.
func DetectFormat(data []byte) (Format, error) {
	switch {
	case hasPrefix(data, pngMagic):
		return FormatPNG, nil
	case hasPrefix(data, jpegMagic):
		return FormatJPEG, nil
	case hasPrefix(data, gifMagic):
		return FormatGIF, nil
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP, nil
	default:
		return "", ErrUnknownFormat
	}
}

func hasPrefix(data, magic []byte) bool {
	return len(data) >= len(magic) && bytes.Equal(data[:len(magic)], magic)
}

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Metadata is the format and animation extent of an image.
type Metadata struct {
	Format     Format
	FrameCount int
}

// Inspect detects the format and, for GIF, counts the frames. Every other
// format reports a single frame — this module does not decode animated
// WebP (see DESIGN.md).
func Inspect(data []byte) (Metadata, error) {
	format, err := DetectFormat(data)
	if err != nil {
		return Metadata{}, err
	}

	if format != FormatGIF {
		return Metadata{Format: format, FrameCount: 1}, nil
	}

	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		// A GIF that fails to decode is still a GIF; treat it as a single
		// opaque frame and let the caller fall back to the original bytes.
		return Metadata{Format: format, FrameCount: 1}, nil
	}
	return Metadata{Format: format, FrameCount: len(g.Image)}, nil
}

// SampleFrames picks up to n roughly-evenly-spaced frames from animated
// input, re-encoded as PNG. For static input it returns the original bytes
// unchanged. Any decode failure yields an empty slice, signalling the
// caller to fall back to the original bytes per spec.
func SampleFrames(data []byte, n int, format Format) [][]byte {
	if format != FormatGIF || n <= 0 {
		return [][]byte{data}
	}

	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	if len(g.Image) <= 1 {
		return [][]byte{data}
	}

	indices := evenlySpaced(len(g.Image), n)
	frames := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		frame := imaging.Clone(g.Image[idx])
		var buf bytes.Buffer
		if err := png.Encode(&buf, frame); err != nil {
			continue
		}
		frames = append(frames, buf.Bytes())
	}
	if len(frames) == 0 {
		return nil
	}
	return frames
}

// evenlySpaced returns up to n indices in [0, total) spread across the
// range, always including the first and last frame when n > 1.
func evenlySpaced(total, n int) []int {
	if n >= total {
		indices := make([]int, total)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	if n == 1 {
		return []int{0}
	}

	indices := make([]int, 0, n)
	step := float64(total-1) / float64(n-1)
	for i := 0; i < n; i++ {
		idx := int(float64(i)*step + 0.5)
		if idx >= total {
			idx = total - 1
		}
		indices = append(indices, idx)
	}
	return indices
}

// Decode decodes image bytes of any accepted format into image.Image, for
// callers that need pixel access (e.g. resizing before a model call).
func Decode(data []byte, format Format) (image.Image, error) {
	switch format {
	case FormatPNG:
		return png.Decode(bytes.NewReader(data))
	case FormatJPEG:
		return jpeg.Decode(bytes.NewReader(data))
	case FormatGIF:
		return gif.Decode(bytes.NewReader(data))
	case FormatWebP:
		return webp.Decode(bytes.NewReader(data))
	default:
		return nil, ErrUnknownFormat
	}
}

// Downscale shrinks img to fit within maxSide on its longest edge,
// preserving aspect ratio (imaging.Fit with Lanczos resampling). Images
// already within bounds are returned unchanged.
func Downscale(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return img
	}
	return imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
}

// MaxVisionSide bounds the longest edge of any frame handed to the Vision
// Client. Source uploads have no size cap of their own, so a full-resolution
// frame could otherwise land well past what the model accepts per request.
const MaxVisionSide = 1024

// PrepareFrames is the one path the Catalog and the Worker Loop use to turn
// raw image bytes into what the Vision Client actually receives: Inspect
// first bounds the sample count to the image's real frame count (sampling
// more than exist is pointless), then every sampled frame is decoded and
// downscaled to MaxVisionSide before being re-encoded. A frame that fails
// to decode or re-encode is passed through unchanged rather than dropped.
func PrepareFrames(data []byte, n int, format Format) [][]byte {
	if meta, err := Inspect(data); err == nil && meta.FrameCount > 0 && meta.FrameCount < n {
		n = meta.FrameCount
	}

	frames := SampleFrames(data, n, format)
	if len(frames) == 0 {
		return [][]byte{data}
	}

	out := make([][]byte, 0, len(frames))
	for _, raw := range frames {
		// SampleFrames hands back PNG for sampled animation frames but the
		// original bytes for static or single-frame input, so each frame's
		// own format decides how it is decoded.
		frameFormat, err := DetectFormat(raw)
		if err != nil {
			out = append(out, raw)
			continue
		}
		img, err := Decode(raw, frameFormat)
		if err != nil {
			out = append(out, raw)
			continue
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, Downscale(img, MaxVisionSide)); err != nil {
			out = append(out, raw)
			continue
		}
		out = append(out, buf.Bytes())
	}
	return out
}
