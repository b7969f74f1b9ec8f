// Package astro holds the data model shared by the image source, the solving
// engine, the orchestrator and the renderer.
package astro

import (
	"fmt"

	"skyplate/internal/errors"
)

// ImageStatistic describes the sample layout handed to a solving engine.
type ImageStatistic struct {
	Width             int
	Height            int
	Channels          int
	SamplesPerChannel int
}

// BuildStatistic describes a single-channel 16-bit image of the given size.
func BuildStatistic(width, height int) (ImageStatistic, error) {
	if width <= 0 || height <= 0 {
		return ImageStatistic{}, errors.Configurationf("invalid image dimensions %dx%d", width, height)
	}
	return ImageStatistic{
		Width:             width,
		Height:            height,
		Channels:          1,
		SamplesPerChannel: width * height,
	}, nil
}

func (s ImageStatistic) String() string {
	return fmt.Sprintf("%dx%d (%d ch, %d samples)", s.Width, s.Height, s.Channels, s.SamplesPerChannel)
}

// Samples is a row-major buffer of linear 16-bit sensor values, one per pixel.
// Consumers share it read-only.
type Samples []uint16

// Validate checks the buffer against the statistic it is paired with.
func (s Samples) Validate(stat ImageStatistic) error {
	if stat.SamplesPerChannel != stat.Width*stat.Height {
		return errors.Configurationf("statistic reports %d samples for %dx%d", stat.SamplesPerChannel, stat.Width, stat.Height)
	}
	if len(s) != stat.Width*stat.Height {
		return errors.Configurationf("sample buffer holds %d values, expected %d", len(s), stat.Width*stat.Height)
	}
	return nil
}

// Max returns the largest sample, 0 for an empty buffer.
func (s Samples) Max() uint16 {
	var peak uint16
	for _, v := range s {
		if v > peak {
			peak = v
		}
	}
	return peak
}

// HeaderHints carries optional solving hints read from an image header.
// A nil field means the header did not supply it.
type HeaderHints struct {
	RA    *float64 // degrees
	Dec   *float64 // degrees
	Scale *float64 // arcsec per pixel
}

// HasPosition reports whether both RA and Dec are present.
func (h HeaderHints) HasPosition() bool {
	return h.RA != nil && h.Dec != nil
}

// HasScale reports whether a pixel scale is present.
func (h HeaderHints) HasScale() bool {
	return h.Scale != nil
}

// Merge returns h with every field present in o replacing the one in h.
func (h HeaderHints) Merge(o HeaderHints) HeaderHints {
	if o.RA != nil {
		h.RA = o.RA
	}
	if o.Dec != nil {
		h.Dec = o.Dec
	}
	if o.Scale != nil {
		h.Scale = o.Scale
	}
	return h
}

// Float returns a pointer to v, for building hints.
func Float(v float64) *float64 {
	return &v
}

// StarDetection is one star reported by an engine after a solve.
type StarDetection struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	HFR float64 `json:"hfr"`
}

// PlateSolution is the sky position of a solved image.
type PlateSolution struct {
	RA          float64 `json:"ra"`          // degrees
	Dec         float64 `json:"dec"`         // degrees
	Orientation float64 `json:"orientation"` // degrees, image north from celestial north
	FieldWidth  float64 `json:"field_width"` // arcmin
	FieldHeight float64 `json:"field_height"`
	PixelScale  float64 `json:"pixel_scale,omitempty"` // arcsec per pixel
}
