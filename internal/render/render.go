// Package render turns a solved frame into an annotated 8-bit image.
package render

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
)

// DefaultMarkerColor is used for star markers and solution text.
const DefaultMarkerColor = "#9bd1a8"

// Options tune the visual output. Zero values fall back to the defaults.
type Options struct {
	Gain        float64
	MarkerScale float64
	MarkerColor string
	Encoder     Encoder
}

// Renderer draws solved frames.
type Renderer struct {
	gain        float64
	markerScale float64
	color       color.RGBA
	encoder     Encoder
}

// New validates opts and returns a Renderer.
func New(opts Options) (*Renderer, error) {
	r := &Renderer{
		gain:        opts.Gain,
		markerScale: opts.MarkerScale,
		encoder:     opts.Encoder,
	}
	if r.gain == 0 {
		r.gain = DefaultGain
	}
	if !(r.gain > 0) || math.IsInf(r.gain, 0) {
		return nil, errors.Configurationf("gain must be positive and finite, got %g", r.gain)
	}
	if r.markerScale == 0 {
		r.markerScale = DefaultMarkerScale
	}
	if !(r.markerScale > 0) || math.IsInf(r.markerScale, 0) {
		return nil, errors.Configurationf("marker scale must be positive and finite, got %g", r.markerScale)
	}
	if r.encoder == nil {
		r.encoder = PNGEncoder{}
	}

	hex := opts.MarkerColor
	if hex == "" {
		hex = DefaultMarkerColor
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return nil, errors.MarkConfiguration(errors.Wrapf(err, "marker colour %q", hex))
	}
	cr, cg, cb := c.RGB255()
	r.color = color.RGBA{R: cr, G: cg, B: cb, A: 0xff}
	return r, nil
}

// Encoder returns the encoder used by Render.
func (r *Renderer) Encoder() Encoder {
	return r.encoder
}

// Draw tone-maps samples and paints the overlay for solved.
func (r *Renderer) Draw(samples astro.Samples, stat astro.ImageStatistic, solved astro.Solved) (*image.RGBA, Overlay, error) {
	img, err := ToneMap(samples, stat, r.gain)
	if err != nil {
		return nil, Overlay{}, err
	}
	overlay := Layout(stat.Width, solved, r.markerScale)
	if err := drawOverlay(img, overlay, r.color); err != nil {
		return nil, Overlay{}, err
	}
	return img, overlay, nil
}

// Render draws and encodes. Encoder failures are errors.ErrEncoding.
func (r *Renderer) Render(ctx context.Context, samples astro.Samples, stat astro.ImageStatistic, solved astro.Solved) ([]byte, error) {
	img, _, err := r.Draw(samples, stat, solved)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Encode(r.encoder, img)
}
