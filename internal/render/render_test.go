package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
)

var scenarioSamples = astro.Samples{
	0, 0, 0, 0,
	0, 6553, 0, 0,
	0, 0, 13107, 0,
	0, 0, 0, 19660,
}

var scenarioSolved = astro.Solved{
	Stars: []astro.StarDetection{{X: 2, Y: 2, HFR: 1.1}},
	Solution: astro.PlateSolution{
		RA: 180, Dec: 45, Orientation: 0, FieldWidth: 10, FieldHeight: 10,
	},
}

func mustStat(t *testing.T, w, h int) astro.ImageStatistic {
	t.Helper()
	stat, err := astro.BuildStatistic(w, h)
	require.NoError(t, err)
	return stat
}

func TestToneValueMatchesCurve(t *testing.T) {
	const peak = 19660
	for _, s := range []uint16{0, 1, 100, 6553, 13107, 19660} {
		want := math.Tanh(float64(s)/peak*3) * 255
		got := ToneValue(s, peak, DefaultGain)
		assert.InDelta(t, want, float64(got), 0.5, "sample %d", s)
	}
	assert.Equal(t, uint8(194), ToneValue(6553, peak, DefaultGain))
	assert.Equal(t, uint8(254), ToneValue(19660, peak, DefaultGain))
	assert.Equal(t, uint8(255), ToneValue(65535, 65535, 100))
	assert.Equal(t, uint8(0), ToneValue(500, 0, DefaultGain))
}

func TestToneMapAllZeroIsBlack(t *testing.T) {
	stat := mustStat(t, 3, 2)
	img, err := ToneMap(make(astro.Samples, 6), stat, DefaultGain)
	require.NoError(t, err)

	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			c := img.RGBAAt(x, y)
			assert.Equal(t, [4]uint8{0, 0, 0, 255}, [4]uint8{c.R, c.G, c.B, c.A})
		}
	}
}

func TestToneMapRejectsShortBuffer(t *testing.T) {
	_, err := ToneMap(astro.Samples{1, 2, 3}, mustStat(t, 2, 2), DefaultGain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestToneMapDoesNotMutateSamples(t *testing.T) {
	in := append(astro.Samples(nil), scenarioSamples...)
	_, err := ToneMap(in, mustStat(t, 4, 4), DefaultGain)
	require.NoError(t, err)
	assert.Equal(t, scenarioSamples, in)
}

func TestLayoutOrderAndText(t *testing.T) {
	o := Layout(4, scenarioSolved, DefaultMarkerScale)

	require.Len(t, o.Markers, 1)
	assert.Equal(t, 6.0, o.Markers[0].X)
	assert.Equal(t, 6.0, o.Markers[0].Y)
	assert.InDelta(t, 0.02, o.Markers[0].Radius, 1e-12)
	assert.InDelta(t, 0.004, o.Markers[0].StrokeWidth, 1e-12)

	require.Len(t, o.Labels, 5)
	texts := make([]string, 0, len(o.Labels))
	for i, l := range o.Labels {
		texts = append(texts, l.Text)
		if i > 0 {
			assert.Greater(t, l.Y, o.Labels[i-1].Y, "labels run top to bottom")
		}
	}
	assert.Equal(t, []string{
		"Solution",
		"RA: 180.00°",
		"DEC: 45.00°",
		"Rotation: 0.00°",
		"FOV: 10.00'x10.00'",
	}, texts)
	assert.False(t, o.Labels[0].Bold)
	assert.True(t, o.Labels[1].Bold)
}

func TestLayoutOneMarkerPerStar(t *testing.T) {
	solved := astro.Solved{Stars: []astro.StarDetection{{X: 1, Y: 1}, {X: 5, Y: 2}, {X: 3, Y: 9}}}
	o := Layout(2000, solved, DefaultMarkerScale)

	require.Len(t, o.Markers, 3)
	assert.Equal(t, 15.0, o.Markers[1].X)
	assert.Equal(t, 27.0, o.Markers[2].Y)
	assert.Equal(t, 10.0, o.Markers[0].Radius)
	assert.Equal(t, 2.0, o.Markers[0].StrokeWidth)
}

func TestDrawScenario(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)

	img, overlay, err := r.Draw(scenarioSamples, mustStat(t, 4, 4), scenarioSolved)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())
	assert.Len(t, overlay.Markers, 1)

	c := img.RGBAAt(1, 1)
	assert.Equal(t, uint8(194), c.R)
	assert.Equal(t, c.R, c.G)
	assert.Equal(t, c.R, c.B)
	assert.Equal(t, uint8(255), c.A)
	assert.Equal(t, uint8(0), img.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(254), img.RGBAAt(3, 3).R)
}

func TestDrawPaintsMarkersAndText(t *testing.T) {
	const size = 1000
	r, err := New(Options{})
	require.NoError(t, err)

	solved := astro.Solved{Stars: []astro.StarDetection{{X: 100, Y: 100}}, Solution: scenarioSolved.Solution}
	img, _, err := r.Draw(make(astro.Samples, size*size), mustStat(t, size, size), solved)
	require.NoError(t, err)

	ring := img.RGBAAt(304, 300)
	assert.Greater(t, ring.G, uint8(0), "ring stroke is painted")
	assert.Greater(t, ring.G, ring.R, "marker colour is green dominant")
	assert.Equal(t, uint8(0), img.RGBAAt(300, 300).G, "ring is unfilled")

	painted := false
	for y := 20; y < 100 && !painted; y++ {
		for x := 60; x < 500; x++ {
			if img.RGBAAt(x, y).G > 0 {
				painted = true
				break
			}
		}
	}
	assert.True(t, painted, "header text is painted")
}

func TestDrawRingClippedAtEdge(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	green := color.RGBA{G: 0xff, A: 0xff}

	drawRing(img, Marker{X: 2, Y: 15, Radius: 8, StrokeWidth: 2}, green)
	drawRing(img, Marker{X: 500, Y: 500, Radius: 8, StrokeWidth: 2}, green)

	assert.Greater(t, img.RGBAAt(10, 15).G, uint8(0), "right edge of the ring")
	assert.Greater(t, img.RGBAAt(2, 7).G, uint8(0), "top edge of the ring")
	assert.Equal(t, uint8(0), img.RGBAAt(2, 15).G, "ring is unfilled")
	assert.Equal(t, uint8(0), img.RGBAAt(30, 15).G, "nothing beyond the ring")
}

func TestDrawManyMarkersOnLargeFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("large frame")
	}
	img := image.NewRGBA(image.Rect(0, 0, 4000, 3000))
	o := Overlay{Markers: manyMarkers(300, 4000, 3000)}

	start := time.Now()
	require.NoError(t, drawOverlay(img, o, color.RGBA{G: 0xff, A: 0xff}))
	assert.Less(t, time.Since(start), 3*time.Second)

	m := o.Markers[0]
	assert.Greater(t, img.RGBAAt(int(m.X+m.Radius), int(m.Y)).G, uint8(0))
}

func BenchmarkDrawMarkers(b *testing.B) {
	img := image.NewRGBA(image.Rect(0, 0, 4000, 3000))
	o := Overlay{Markers: manyMarkers(300, 4000, 3000)}
	c := color.RGBA{G: 0xff, A: 0xff}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = drawOverlay(img, o, c)
	}
}

func manyMarkers(n, w, h int) []Marker {
	markers := make([]Marker, n)
	for i := range markers {
		markers[i] = Marker{
			X:           float64((i*137)%(w-100) + 50),
			Y:           float64((i*71)%(h-100) + 50),
			Radius:      float64(w) * markerRadiusRatio,
			StrokeWidth: float64(w) * markerStrokeRatio,
		}
	}
	return markers
}

func TestRenderRoundTrip(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)

	data, err := r.Render(context.Background(), scenarioSamples, mustStat(t, 4, 4), scenarioSolved)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Bounds().Dx())
	assert.Equal(t, 4, decoded.Bounds().Dy())
}

type failingEncoder struct{ PNGEncoder }

func (failingEncoder) Encode(io.Writer, image.Image) error {
	return errors.New("disk full in encoder")
}

func TestRenderEncodingFailure(t *testing.T) {
	r, err := New(Options{Encoder: failingEncoder{}})
	require.NoError(t, err)

	_, err = r.Render(context.Background(), scenarioSamples, mustStat(t, 4, 4), scenarioSolved)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEncoding))
	assert.False(t, errors.Is(err, errors.ErrSolveFailed))
	assert.False(t, errors.Is(err, errors.ErrIO))
}

func TestNewRejectsBadColour(t *testing.T) {
	_, err := New(Options{MarkerColor: "not-a-colour"})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestNewRejectsNonFiniteGain(t *testing.T) {
	for _, gain := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := New(Options{Gain: gain})
		assert.True(t, errors.Is(err, errors.ErrConfiguration), "gain %g", gain)
	}
	_, err := New(Options{MarkerScale: math.NaN()})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestEncoderFor(t *testing.T) {
	enc, err := EncoderFor("")
	require.NoError(t, err)
	assert.Equal(t, ".png", enc.Extension())

	enc, err = EncoderFor("TIFF")
	require.NoError(t, err)
	assert.Equal(t, "image/tiff", enc.ContentType())

	_, err = EncoderFor("gif")
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}
