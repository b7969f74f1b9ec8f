//go:build imagick

package source

import (
	"gopkg.in/gographics/imagick.v3/imagick"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
)

func init() {
	for _, ext := range []string{".cr2", ".cr3", ".nef", ".arw", ".dng", ".orf", ".raf", ".xisf", ".webp", ".heic"} {
		rasterLoaders[ext] = loadMagick
	}
}

// loadMagick reads any format ImageMagick understands as 16-bit intensity.
func loadMagick(path string) (*Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, errors.MarkConfiguration(errors.Wrapf(err, "read %s", path))
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return nil, errors.Wrap(err, "convert to grayscale")
	}

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, w, h, "I", imagick.PIXEL_SHORT)
	if err != nil {
		return nil, errors.Wrap(err, "export pixels")
	}
	shorts, ok := pixels.([]uint16)
	if !ok {
		return nil, errors.Newf("unexpected pixel buffer %T", pixels)
	}

	return &Image{
		Width:    int(w),
		Height:   int(h),
		Samples:  astro.Samples(shorts),
		Keywords: map[string]string{},
	}, nil
}
