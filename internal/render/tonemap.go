package render

import (
	"image"
	"math"

	"skyplate/internal/astro"
)

// DefaultGain is the tanh gain of the standard tone curve.
const DefaultGain = 3.0

// ToneValue maps one sample to an 8-bit intensity: tanh(s/peak*gain)*255,
// rounded half to even and clamped. A zero peak yields 0.
func ToneValue(sample, peak uint16, gain float64) uint8 {
	if peak == 0 {
		return 0
	}
	v := math.Tanh(float64(sample)/float64(peak)*gain) * 255
	return clampByte(v)
}

func clampByte(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.RoundToEven(v))
}

// ToneMap converts a linear single-channel buffer to an opaque grayscale RGBA
// raster of the same size. The buffer is only read.
func ToneMap(samples astro.Samples, stat astro.ImageStatistic, gain float64) (*image.RGBA, error) {
	if err := samples.Validate(stat); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, stat.Width, stat.Height))
	peak := samples.Max()

	lut := make([]uint8, int(peak)+1)
	for s := range lut {
		lut[s] = ToneValue(uint16(s), peak, gain)
	}
	for i, s := range samples {
		v := lut[s]
		y, x := i/stat.Width, i%stat.Width
		off := img.PixOffset(x, y)
		img.Pix[off+0] = v
		img.Pix[off+1] = v
		img.Pix[off+2] = v
		img.Pix[off+3] = 0xff
	}
	return img, nil
}
