// Package source loads frames into linear 16-bit sample buffers.
package source

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/tiff"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
	"skyplate/internal/fsutil"
)

// Image is a loaded frame.
type Image struct {
	Path      string
	Width     int
	Height    int
	Hints     astro.HeaderHints
	Samples   astro.Samples
	Keywords  map[string]string
	Statistic astro.ImageStatistic
}

// loader reads a non-FITS file.
type loader func(path string) (*Image, error)

// rasterLoaders maps lower-case extensions to loaders. Build tags may add entries.
var rasterLoaders = map[string]loader{
	".png":  decodeRaster,
	".jpg":  decodeRaster,
	".jpeg": decodeRaster,
	".tif":  decodeRaster,
	".tiff": decodeRaster,
}

// Load opens path and returns its samples, dimensions and hints.
func Load(path string) (*Image, error) {
	var (
		img *Image
		err error
	)
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case fsutil.IsFITS(path):
		img, err = loadFITS(path)
	case rasterLoaders[ext] != nil:
		img, err = rasterLoaders[ext](path)
	default:
		return nil, errors.Configurationf("unsupported image format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	stat, err := astro.BuildStatistic(img.Width, img.Height)
	if err != nil {
		return nil, err
	}
	if err := img.Samples.Validate(stat); err != nil {
		return nil, err
	}
	img.Statistic = stat
	img.Path = path
	return img, nil
}

func loadFITS(path string) (*Image, error) {
	f, err := OpenFITS(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	unit, err := f.Primary()
	if err != nil {
		return nil, err
	}
	w, h, err := unit.Axes()
	if err != nil {
		return nil, err
	}
	samples, err := unit.Samples()
	if err != nil {
		return nil, err
	}

	keywords := map[string]string{}
	for _, card := range unit.Header().Keys() {
		if c := unit.Header().Get(card); c != nil && c.Value != nil {
			keywords[card] = strings.TrimSpace(formatValue(c.Value))
		}
	}

	return &Image{
		Width:    w,
		Height:   h,
		Hints:    unit.Hints(),
		Samples:  samples,
		Keywords: keywords,
	}, nil
}

func decodeRaster(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.MarkConfiguration(errors.Wrapf(err, "decode %s", path))
	}
	return fromImage(src), nil
}

// fromImage converts any image to 16-bit luminance.
func fromImage(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	samples := make(astro.Samples, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			samples[y*w+x] = g.Y
		}
	}
	return &Image{Width: w, Height: h, Samples: samples, Keywords: map[string]string{}}
}

// Formats lists loadable extensions.
func Formats() []string {
	out := []string{".fits", ".fit", ".fts"}
	for ext := range rasterLoaders {
		out = append(out, ext)
	}
	return out
}
