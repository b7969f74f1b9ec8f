package source

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/astrogo/fitsio"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
)

// FITS is an open FITS file.
type FITS struct {
	file *os.File
	fits *fitsio.File
}

// OpenFITS opens path for reading.
func OpenFITS(path string) (*FITS, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	ff, err := fitsio.Open(f)
	if err != nil {
		f.Close()
		return nil, errors.MarkConfiguration(errors.Wrapf(err, "parse %s", path))
	}
	return &FITS{file: f, fits: ff}, nil
}

// Close releases the file.
func (f *FITS) Close() error {
	err := f.fits.Close()
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Unit is an image HDU.
type Unit struct {
	img fitsio.Image
}

// Primary returns the primary image unit.
func (f *FITS) Primary() (*Unit, error) {
	hdu := f.fits.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, errors.Configurationf("primary HDU is %v, not an image", hdu.Type())
	}
	return &Unit{img: img}, nil
}

// Header exposes the raw keywords.
func (u *Unit) Header() *fitsio.Header {
	return u.img.Header()
}

// Axes returns width and height from NAXIS1/NAXIS2.
func (u *Unit) Axes() (int, int, error) {
	axes := u.img.Header().Axes()
	if len(axes) < 2 {
		return 0, 0, errors.Configurationf("image has %d axes, need at least 2", len(axes))
	}
	if axes[0] <= 0 || axes[1] <= 0 {
		return 0, 0, errors.Configurationf("invalid image dimensions %dx%d", axes[0], axes[1])
	}
	return axes[0], axes[1], nil
}

// Hints reads the optional solving hints.
func (u *Unit) Hints() astro.HeaderHints {
	return HintsFromHeader(u.img.Header())
}

// Samples decodes the first plane into 16-bit samples, applying BSCALE/BZERO
// and clamping to [0, 65535]. Floating-point frames whose values all lie in
// [0, 1] are treated as normalised and stretched onto the full 16-bit range.
func (u *Unit) Samples() (astro.Samples, error) {
	w, h, err := u.Axes()
	if err != nil {
		return nil, err
	}
	hdr := u.img.Header()
	bzero, ok := headerFloat(hdr, "BZERO")
	if !ok {
		bzero = 0
	}
	bscale, ok := headerFloat(hdr, "BSCALE")
	if !ok || bscale == 0 {
		bscale = 1
	}

	n := w * h
	bitpix := hdr.Bitpix()
	size := bitpix / 8
	if size < 0 {
		size = -size
	}
	raw := u.img.Raw()
	if len(raw) < n*size {
		return nil, errors.Configurationf("pixel data holds %d bytes, need %d", len(raw), n*size)
	}

	var read func(i int) float64
	switch bitpix {
	case 8:
		read = func(i int) float64 { return float64(raw[i]) }
	case 16:
		read = func(i int) float64 { return float64(int16(binary.BigEndian.Uint16(raw[2*i:]))) }
	case 32:
		read = func(i int) float64 { return float64(int32(binary.BigEndian.Uint32(raw[4*i:]))) }
	case -32:
		read = func(i int) float64 { return float64(math.Float32frombits(binary.BigEndian.Uint32(raw[4*i:]))) }
	case -64:
		read = func(i int) float64 { return math.Float64frombits(binary.BigEndian.Uint64(raw[8*i:])) }
	default:
		return nil, errors.Configurationf("unsupported BITPIX %d", bitpix)
	}

	values := make([]float64, n)
	for i := range values {
		values[i] = bzero + bscale*read(i)
	}
	gain := 1.0
	if bitpix < 0 && normalised(values) {
		gain = math.MaxUint16
	}

	out := make(astro.Samples, n)
	for i, v := range values {
		out[i] = clamp16(v * gain)
	}
	return out, nil
}

// normalised reports whether every finite value lies in [0, 1] and at least
// one is finite.
func normalised(values []float64) bool {
	seen := false
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < 0 || v > 1 {
			return false
		}
		seen = true
	}
	return seen
}

func clamp16(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(math.Round(v))
	}
}
