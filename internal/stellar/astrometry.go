package stellar

import (
	"bufio"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
)

const fieldBase = "field"

// writeBackendConfig writes the astrometry.net backend configuration.
func writeBackendConfig(path string, indexDirs []string, inParallel bool) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create backend config")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if inParallel {
		fmt.Fprintln(w, "inparallel")
	}
	for _, dir := range indexDirs {
		fmt.Fprintf(w, "add_path %s\n", dir)
	}
	fmt.Fprintln(w, "autoindex")
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "write backend config")
	}
	return f.Close()
}

// writeXYList stores stars as a FITS binary table in full-resolution,
// 1-based pixel coordinates.
func writeXYList(path string, stars []Star, downsample int) error {
	if downsample < 1 {
		downsample = 1
	}
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create xylist")
	}
	defer out.Close()

	f, err := fitsio.Create(out)
	if err != nil {
		return errors.Wrap(err, "open xylist")
	}
	defer f.Close()

	phdu := fitsio.NewImage(8, nil)
	defer phdu.Close()
	if err := f.Write(phdu); err != nil {
		return errors.Wrap(err, "write xylist primary hdu")
	}

	cols := []fitsio.Column{
		{Name: "X", Format: "D"},
		{Name: "Y", Format: "D"},
		{Name: "FLUX", Format: "D"},
	}
	tbl, err := fitsio.NewTable("SOURCES", cols, fitsio.BINARY_TBL)
	if err != nil {
		return errors.Wrap(err, "xylist table")
	}
	defer tbl.Close()

	scale := float64(downsample)
	half := (scale - 1) / 2
	for _, s := range stars {
		x := s.X*scale + half + 1
		y := s.Y*scale + half + 1
		flux := s.Flux
		if err := tbl.Write(&x, &y, &flux); err != nil {
			return errors.Wrap(err, "write xylist row")
		}
	}
	if err := f.Write(tbl); err != nil {
		return errors.Wrap(err, "write xylist table")
	}
	return nil
}

// writeImage stores the frame as a 16-bit grayscale PNG for solve-field's own
// extraction.
func writeImage(path string, samples astro.Samples, stat astro.ImageStatistic) error {
	img := image.NewGray16(image.Rect(0, 0, stat.Width, stat.Height))
	for i, s := range samples {
		img.Pix[2*i] = uint8(s >> 8)
		img.Pix[2*i+1] = uint8(s)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create field image")
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return errors.Wrap(err, "encode field image")
	}
	return f.Close()
}

// solveFieldArgs builds the solve-field command line for one session.
func (s *Solver) solveFieldArgs(workDir, input, configPath string) []string {
	args := []string{
		"--overwrite",
		"--no-plots",
		"--no-verify",
		"--crpix-center",
		"--dir", workDir,
		"--temp-dir", workDir,
		"--out", fieldBase,
		"--config", configPath,
		"--new-fits", "none",
		"--index-xyls", "none",
		"--rdls", "none",
		"--match", "none",
		"--corr", "none",
	}
	if s.profile.CPULimit > 0 {
		args = append(args, "--cpulimit", strconv.Itoa(int(s.profile.CPULimit.Seconds())))
	}

	if s.extractor == ExtractorInternal {
		args = append(args,
			"--width", strconv.Itoa(s.stat.Width),
			"--height", strconv.Itoa(s.stat.Height),
			"--x-column", "X",
			"--y-column", "Y",
			"--sort-column", "FLUX",
		)
	} else if s.profile.Downsample > 1 {
		args = append(args, "--downsample", strconv.Itoa(s.profile.Downsample))
	}

	if s.position != nil {
		radius := s.searchRadius
		if radius <= 0 {
			radius = s.profile.SearchRadius
		}
		args = append(args,
			"--ra", formatFloat(s.position.RA),
			"--dec", formatFloat(s.position.Dec),
			"--radius", formatFloat(radius),
		)
	}

	switch {
	case s.scale != nil:
		args = append(args,
			"--scale-units", s.scale.Units.flag(),
			"--scale-low", formatFloat(s.scale.Low),
			"--scale-high", formatFloat(s.scale.High),
		)
	case s.profile.ScaleLow > 0 && s.profile.ScaleHigh > 0:
		args = append(args,
			"--scale-units", DegreesWidth.flag(),
			"--scale-low", formatFloat(s.profile.ScaleLow),
			"--scale-high", formatFloat(s.profile.ScaleHigh),
		)
	}

	return append(args, input)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// readWCS parses the solution header written by solve-field.
func readWCS(path string, stat astro.ImageStatistic) (astro.PlateSolution, error) {
	f, err := os.Open(path)
	if err != nil {
		return astro.PlateSolution{}, errors.Wrap(err, "open wcs")
	}
	defer f.Close()

	ff, err := fitsio.Open(f)
	if err != nil {
		return astro.PlateSolution{}, errors.Wrap(err, "parse wcs")
	}
	defer ff.Close()

	return SolutionFromHeader(ff.HDU(0).Header(), stat)
}

// SolutionFromHeader derives the plate solution from WCS keywords. The CD
// matrix is preferred; CDELT with CROTA2 is accepted when it is absent.
func SolutionFromHeader(h *fitsio.Header, stat astro.ImageStatistic) (astro.PlateSolution, error) {
	ra, okRA := headerFloat(h, "CRVAL1")
	dec, okDec := headerFloat(h, "CRVAL2")
	if !okRA || !okDec {
		return astro.PlateSolution{}, errors.New("wcs header has no CRVAL1/CRVAL2")
	}

	cd11, ok11 := headerFloat(h, "CD1_1")
	cd12, ok12 := headerFloat(h, "CD1_2")
	cd21, ok21 := headerFloat(h, "CD2_1")
	cd22, ok22 := headerFloat(h, "CD2_2")
	if !(ok11 && ok22) {
		cdelt1, okA := headerFloat(h, "CDELT1")
		cdelt2, okB := headerFloat(h, "CDELT2")
		if !okA || !okB {
			return astro.PlateSolution{}, errors.New("wcs header has neither CD nor CDELT keywords")
		}
		rot, _ := headerFloat(h, "CROTA2")
		c, s := math.Cos(rot*math.Pi/180), math.Sin(rot*math.Pi/180)
		cd11, cd12 = cdelt1*c, -cdelt2*s
		cd21, cd22 = cdelt1*s, cdelt2*c
	} else {
		if !ok12 {
			cd12 = 0
		}
		if !ok21 {
			cd21 = 0
		}
	}

	det := cd11*cd22 - cd12*cd21
	if det == 0 {
		return astro.PlateSolution{}, errors.New("wcs matrix is singular")
	}
	parity := 1.0
	if det < 0 {
		parity = -1
	}
	t := parity*cd11 + cd22
	a := parity*cd21 - cd12
	orientation := -math.Atan2(a, t) * 180 / math.Pi

	scale := math.Sqrt(math.Abs(det)) * 3600
	return astro.PlateSolution{
		RA:          ra,
		Dec:         dec,
		Orientation: orientation,
		FieldWidth:  float64(stat.Width) * scale / 60,
		FieldHeight: float64(stat.Height) * scale / 60,
		PixelScale:  scale,
	}, nil
}

// headerFloat reads a numeric card, accepting integer and string encodings.
func headerFloat(h *fitsio.Header, key string) (float64, bool) {
	if h == nil {
		return 0, false
	}
	card := h.Get(key)
	if card == nil {
		return 0, false
	}
	return toFloat(card.Value)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func sessionPaths(workDir string) (xyls, img, cfg, solved, wcs string) {
	return filepath.Join(workDir, fieldBase+".xyls"),
		filepath.Join(workDir, fieldBase+".png"),
		filepath.Join(workDir, "backend.cfg"),
		filepath.Join(workDir, fieldBase+".solved"),
		filepath.Join(workDir, fieldBase+".wcs")
}
