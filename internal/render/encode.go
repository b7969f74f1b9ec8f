package render

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sort"
	"strings"

	"golang.org/x/image/tiff"

	"skyplate/internal/errors"
)

// Encoder serialises a raster.
type Encoder interface {
	Encode(w io.Writer, img image.Image) error
	Extension() string
	ContentType() string
}

// PNGEncoder is the default lossless encoder.
type PNGEncoder struct {
	Compression png.CompressionLevel
}

func (e PNGEncoder) Encode(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: e.Compression}
	return enc.Encode(w, img)
}

func (PNGEncoder) Extension() string { return ".png" }
func (PNGEncoder) ContentType() string { return "image/png" }

// TIFFEncoder writes deflate-compressed TIFF.
type TIFFEncoder struct{}

func (TIFFEncoder) Encode(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
}

func (TIFFEncoder) Extension() string { return ".tiff" }
func (TIFFEncoder) ContentType() string { return "image/tiff" }

// JPEGEncoder is lossy and only offered for previews.
type JPEGEncoder struct {
	Quality int
}

func (e JPEGEncoder) Encode(w io.Writer, img image.Image) error {
	q := e.Quality
	if q <= 0 {
		q = 92
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: q})
}

func (JPEGEncoder) Extension() string { return ".jpg" }
func (JPEGEncoder) ContentType() string { return "image/jpeg" }

var encoders = map[string]func() Encoder{
	"png":  func() Encoder { return PNGEncoder{} },
	"tiff": func() Encoder { return TIFFEncoder{} },
	"tif":  func() Encoder { return TIFFEncoder{} },
	"jpg":  func() Encoder { return JPEGEncoder{} },
	"jpeg": func() Encoder { return JPEGEncoder{} },
}

// EncoderFor returns the encoder registered for a format name.
func EncoderFor(format string) (Encoder, error) {
	if format == "" {
		format = "png"
	}
	mk, ok := encoders[strings.ToLower(strings.TrimPrefix(format, "."))]
	if !ok {
		return nil, errors.Configurationf("unsupported output format %q (have %s)", format, strings.Join(Formats(), ", "))
	}
	return mk(), nil
}

// Formats lists the registered format names.
func Formats() []string {
	out := make([]string, 0, len(encoders))
	for name := range encoders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Encode serialises img with enc. Failures are classified as errors.ErrEncoding.
func Encode(enc Encoder, img image.Image) ([]byte, error) {
	if enc == nil {
		enc = PNGEncoder{}
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, img); err != nil {
		return nil, errors.MarkEncoding(errors.Wrapf(err, "encode %s", strings.TrimPrefix(enc.Extension(), ".")))
	}
	return buf.Bytes(), nil
}
