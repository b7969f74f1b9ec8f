//go:build imagick

package render

import (
	"image"
	"image/draw"
	"io"

	"gopkg.in/gographics/imagick.v3/imagick"

	"skyplate/internal/errors"
)

// MagickAvailable reports whether ImageMagick encoders are compiled in.
const MagickAvailable = true

func init() {
	encoders["tiff"] = func() Encoder { return MagickEncoder{Format: "TIFF", Ext: ".tiff", MIME: "image/tiff"} }
	encoders["tif"] = encoders["tiff"]
	encoders["jpg"] = func() Encoder { return MagickEncoder{Format: "JPEG", Ext: ".jpg", MIME: "image/jpeg", Quality: 92} }
	encoders["jpeg"] = encoders["jpg"]
}

// MagickEncoder encodes through an ImageMagick wand.
type MagickEncoder struct {
	Format  string
	Ext     string
	MIME    string
	Quality uint
}

func (e MagickEncoder) Encode(w io.Writer, img image.Image) error {
	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	b := rgba.Bounds()

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGBA", imagick.PIXEL_CHAR, rgba.Pix); err != nil {
		return errors.Wrap(err, "constitute image")
	}
	if err := mw.SetImageFormat(e.Format); err != nil {
		return errors.Wrapf(err, "set format %s", e.Format)
	}
	if e.Quality > 0 {
		if err := mw.SetImageCompressionQuality(e.Quality); err != nil {
			return errors.Wrap(err, "set quality")
		}
	}
	_, err := w.Write(mw.GetImageBlob())
	return err
}

func (e MagickEncoder) Extension() string { return e.Ext }
func (e MagickEncoder) ContentType() string { return e.MIME }
