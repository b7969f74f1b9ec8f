package render

import (
	"fmt"

	"skyplate/internal/astro"
)

const (
	labelX        = 60.0
	labelBaseline = 100.0
	labelStep     = 150.0
	headerSize    = 100.0
	lineSize      = 120.0

	markerRadiusRatio = 0.005
	markerStrokeRatio = 0.001

	// DefaultMarkerScale maps engine star coordinates onto the full-resolution raster.
	DefaultMarkerScale = 3.0
)

// Marker is an unfilled circle drawn around a detected star.
type Marker struct {
	X, Y        float64
	Radius      float64
	StrokeWidth float64
}

// Label is one line of overlay text. Y is the text baseline.
type Label struct {
	Text string
	X, Y float64
	Size float64
	Bold bool
}

// Overlay is everything drawn on top of the tone-mapped raster.
type Overlay struct {
	Markers []Marker
	Labels  []Label
}

// Layout places one marker per star, in engine order, and the solution text
// block for an image width pixels wide.
func Layout(width int, solved astro.Solved, markerScale float64) Overlay {
	w := float64(width)
	o := Overlay{Markers: make([]Marker, 0, len(solved.Stars))}
	for _, star := range solved.Stars {
		o.Markers = append(o.Markers, Marker{
			X:           star.X * markerScale,
			Y:           star.Y * markerScale,
			Radius:      w * markerRadiusRatio,
			StrokeWidth: w * markerStrokeRatio,
		})
	}

	s := solved.Solution
	o.Labels = []Label{
		{Text: "Solution", X: labelX, Y: labelBaseline, Size: headerSize},
		{Text: fmt.Sprintf("RA: %.2f°", s.RA), X: labelX, Y: labelBaseline + labelStep, Size: lineSize, Bold: true},
		{Text: fmt.Sprintf("DEC: %.2f°", s.Dec), X: labelX, Y: labelBaseline + 2*labelStep, Size: lineSize, Bold: true},
		{Text: fmt.Sprintf("Rotation: %.2f°", s.Orientation), X: labelX, Y: labelBaseline + 3*labelStep, Size: lineSize, Bold: true},
		{Text: fmt.Sprintf("FOV: %.2f'x%.2f'", s.FieldWidth, s.FieldHeight), X: labelX, Y: labelBaseline + 4*labelStep, Size: lineSize, Bold: true},
	}
	return o
}
