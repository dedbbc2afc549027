package telemetry

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
)

// Frame is one compressed image. Frames carry no identity beyond their
// position in the stream.
type Frame []byte

// FrameSource produces frames on demand.
type FrameSource interface {
	NextFrame(ctx context.Context) (Frame, error)
}

// Encode converts a frame into its printable wire payload.
func Encode(f Frame) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(f)))
	base64.StdEncoding.Encode(out, f)
	return out
}

// Decode reverses Encode.
func Decode(payload []byte) (Frame, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(out, bytes.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid frame payload: %w", err)
	}
	return Frame(out[:n]), nil
}

// PatternSource renders a moving test pattern as JPEG. It stands in for a
// camera on benches and in tests.
type PatternSource struct {
	width   int
	height  int
	quality int

	mu  sync.Mutex
	seq int
	img *image.RGBA
}

// NewPatternSource creates a source of width x height frames at the given JPEG quality.
func NewPatternSource(width, height, quality int) (*PatternSource, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality must be in 1..100, got %d", quality)
	}
	return &PatternSource{
		width:   width,
		height:  height,
		quality: quality,
		img:     image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// NextFrame renders and compresses the next pattern frame.
func (p *PatternSource) NextFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	shift := p.seq * 4
	p.seq++

	// Diagonal gradient scrolling one step per frame
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			v := uint8((x + y + shift) % 256)
			p.img.SetRGBA(x, y, color.RGBA{R: v, G: 255 - v, B: uint8(y % 256), A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, p.img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return Frame(buf.Bytes()), nil
}

// Sequence returns how many frames have been rendered.
func (p *PatternSource) Sequence() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}
