package render

import (
	"image"
	"image/color"
	"math"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"skyplate/internal/errors"
)

// kappa places cubic control points for a quarter circle.
const kappa = 0.5522847498

var (
	fontsOnce   sync.Once
	fontsErr    error
	regularFont *opentype.Font
	boldFont    *opentype.Font
)

func loadFonts() error {
	fontsOnce.Do(func() {
		if regularFont, fontsErr = opentype.Parse(goregular.TTF); fontsErr != nil {
			fontsErr = errors.Wrap(fontsErr, "parse regular font")
			return
		}
		if boldFont, fontsErr = opentype.Parse(gobold.TTF); fontsErr != nil {
			fontsErr = errors.Wrap(fontsErr, "parse bold font")
		}
	})
	return fontsErr
}

// drawOverlay paints markers and labels onto dst in colour c.
func drawOverlay(dst *image.RGBA, o Overlay, c color.Color) error {
	for _, m := range o.Markers {
		drawRing(dst, m, c)
	}
	return drawLabels(dst, o.Labels, c)
}

// drawRing strokes an unfilled circle. Only the ring's bounding box, clipped
// to dst, is rasterized.
func drawRing(dst *image.RGBA, m Marker, c color.Color) {
	outer := m.Radius + m.StrokeWidth/2
	inner := math.Max(0, m.Radius-m.StrokeWidth/2)
	if outer <= 0 {
		return
	}
	box := ringBounds(m.X, m.Y, outer).Intersect(dst.Bounds())
	if box.Empty() {
		return
	}

	// The rasterizer mask starts at (0,0), so paint through a view of dst
	// whose origin is box.Min.
	view := &image.RGBA{
		Pix:    dst.Pix[dst.PixOffset(box.Min.X, box.Min.Y):],
		Stride: dst.Stride,
		Rect:   image.Rect(0, 0, box.Dx(), box.Dy()),
	}
	cx, cy := m.X-float64(box.Min.X), m.Y-float64(box.Min.Y)

	z := vector.NewRasterizer(box.Dx(), box.Dy())
	circlePath(z, cx, cy, outer, false)
	if inner > 0 {
		circlePath(z, cx, cy, inner, true)
	}
	z.Draw(view, view.Rect, image.NewUniform(c), image.Point{})
}

// ringBounds is the pixel rectangle covering a circle of radius r at (x, y).
func ringBounds(x, y, r float64) image.Rectangle {
	return image.Rect(
		int(math.Floor(x-r)), int(math.Floor(y-r)),
		int(math.Ceil(x+r))+1, int(math.Ceil(y+r))+1,
	)
}

// circlePath appends a closed circle of four cubic segments. The winding is
// reversed for holes.
func circlePath(z *vector.Rasterizer, cx, cy, r float64, reverse bool) {
	k := r * kappa
	f := func(v float64) float32 { return float32(v) }
	if !reverse {
		z.MoveTo(f(cx+r), f(cy))
		z.CubeTo(f(cx+r), f(cy+k), f(cx+k), f(cy+r), f(cx), f(cy+r))
		z.CubeTo(f(cx-k), f(cy+r), f(cx-r), f(cy+k), f(cx-r), f(cy))
		z.CubeTo(f(cx-r), f(cy-k), f(cx-k), f(cy-r), f(cx), f(cy-r))
		z.CubeTo(f(cx+k), f(cy-r), f(cx+r), f(cy-k), f(cx+r), f(cy))
	} else {
		z.MoveTo(f(cx+r), f(cy))
		z.CubeTo(f(cx+r), f(cy-k), f(cx+k), f(cy-r), f(cx), f(cy-r))
		z.CubeTo(f(cx-k), f(cy-r), f(cx-r), f(cy-k), f(cx-r), f(cy))
		z.CubeTo(f(cx-r), f(cy+k), f(cx-k), f(cy+r), f(cx), f(cy+r))
		z.CubeTo(f(cx+k), f(cy+r), f(cx+r), f(cy+k), f(cx+r), f(cy))
	}
	z.ClosePath()
}

func drawLabels(dst *image.RGBA, labels []Label, c color.Color) error {
	if len(labels) == 0 {
		return nil
	}
	if err := loadFonts(); err != nil {
		return err
	}

	faces := map[[2]float64]font.Face{}
	defer func() {
		for _, face := range faces {
			face.Close()
		}
	}()

	src := image.NewUniform(c)
	for _, l := range labels {
		weight := 0.0
		f := regularFont
		if l.Bold {
			weight, f = 1, boldFont
		}
		key := [2]float64{l.Size, weight}
		face, ok := faces[key]
		if !ok {
			var err error
			face, err = opentype.NewFace(f, &opentype.FaceOptions{
				Size:    l.Size,
				DPI:     72,
				Hinting: font.HintingNone,
			})
			if err != nil {
				return errors.Wrapf(err, "create %gpx face", l.Size)
			}
			faces[key] = face
		}

		d := font.Drawer{
			Dst:  dst,
			Src:  src,
			Face: face,
			Dot:  fixed.Point26_6{X: toFixed(l.X), Y: toFixed(l.Y)},
		}
		d.DrawString(l.Text)
	}
	return nil
}

func toFixed(v float64) fixed.Int26_6 {
	return fixed.Int26_6(math.Round(v * 64))
}
