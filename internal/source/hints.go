package source

import (
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"

	"skyplate/internal/astro"
)

// arcsecPerRadian / 1000, for micron pixels over millimetre focal lengths.
const pixelScaleFactor = 206.265

// HintsFromHeader reads RA, DEC and SCALE. OBJCTRA/OBJCTDEC and the
// XPIXSZ/XBINNING/FOCALLEN optics keywords are used as fallbacks.
func HintsFromHeader(h *fitsio.Header) astro.HeaderHints {
	var hints astro.HeaderHints

	if ra, ok := coordinate(h, "RA", true); ok {
		hints.RA = &ra
	} else if ra, ok := coordinate(h, "OBJCTRA", true); ok {
		hints.RA = &ra
	}
	if dec, ok := coordinate(h, "DEC", false); ok {
		hints.Dec = &dec
	} else if dec, ok := coordinate(h, "OBJCTDEC", false); ok {
		hints.Dec = &dec
	}

	if scale, ok := headerFloat(h, "SCALE"); ok && scale > 0 {
		hints.Scale = &scale
	} else if scale, ok := opticsScale(h); ok {
		hints.Scale = &scale
	}
	return hints
}

// coordinate reads a numeric degree value or a sexagesimal string. Sexagesimal
// right ascension is in hours.
func coordinate(h *fitsio.Header, key string, hours bool) (float64, bool) {
	card := h.Get(key)
	if card == nil {
		return 0, false
	}
	if s, ok := card.Value.(string); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v, true
		}
		v, ok := ParseSexagesimal(s)
		if !ok {
			return 0, false
		}
		if hours {
			v *= 15
		}
		return v, true
	}
	return toFloat(card.Value)
}

// ParseSexagesimal parses "dd mm ss.s" or "dd:mm:ss.s" with an optional sign.
func ParseSexagesimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	sign := 1.0
	switch s[0] {
	case '-':
		sign, s = -1, s[1:]
	case '+':
		s = s[1:]
	}
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ':' || r == 'h' || r == 'm' || r == 's' || r == 'd' || r == '\''
	})
	if len(parts) == 0 || len(parts) > 3 {
		return 0, false
	}
	var v float64
	div := 1.0
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil || f < 0 {
			return 0, false
		}
		v += f / div
		div *= 60
	}
	return sign * v, true
}

func opticsScale(h *fitsio.Header) (float64, bool) {
	pix, ok := headerFloat(h, "XPIXSZ")
	if !ok || pix <= 0 {
		return 0, false
	}
	focal, ok := headerFloat(h, "FOCALLEN")
	if !ok || focal <= 0 {
		return 0, false
	}
	bin, ok := headerFloat(h, "XBINNING")
	if !ok || bin <= 0 {
		bin = 1
	}
	return pix * bin / focal * pixelScaleFactor, true
}

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
