// Package fitstest builds small FITS files for tests.
package fitstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const block = 2880

// Card is one header keyword.
type Card struct {
	Key   string
	Value any
}

func (c Card) String() string {
	var v string
	switch x := c.Value.(type) {
	case bool:
		v = "F"
		if x {
			v = "T"
		}
		v = fmt.Sprintf("%20s", v)
	case int:
		v = fmt.Sprintf("%20d", x)
	case float64:
		v = fmt.Sprintf("%20s", strings.ToUpper(fmt.Sprintf("%.14G", x)))
		if !strings.ContainsAny(v, ".E") {
			v = fmt.Sprintf("%20s", strings.TrimSpace(v)+".0")
		}
	case string:
		s := x
		for len(s) < 8 {
			s += " "
		}
		v = "'" + s + "'"
	default:
		panic(fmt.Sprintf("fitstest: unsupported card value %T", c.Value))
	}
	line := fmt.Sprintf("%-8s= %s", c.Key, v)
	if len(line) > 80 {
		line = line[:80]
	}
	return fmt.Sprintf("%-80s", line)
}

// Header renders a primary header with no data.
func Header(cards ...Card) []byte {
	base := []Card{{"SIMPLE", true}, {"BITPIX", 8}, {"NAXIS", 0}}
	return encode(append(base, cards...), nil)
}

// Int16Image renders a 16-bit primary image. Rows run bottom-up in FITS, but
// pixels are written in the given row-major order.
func Int16Image(width, height int, pixels []int16, cards ...Card) []byte {
	base := []Card{{"SIMPLE", true}, {"BITPIX", 16}, {"NAXIS", 2}, {"NAXIS1", width}, {"NAXIS2", height}}
	var data bytes.Buffer
	_ = binary.Write(&data, binary.BigEndian, pixels)
	return encode(append(base, cards...), data.Bytes())
}

// Float32Image renders a BITPIX -32 primary image.
func Float32Image(width, height int, pixels []float32, cards ...Card) []byte {
	base := []Card{{"SIMPLE", true}, {"BITPIX", -32}, {"NAXIS", 2}, {"NAXIS1", width}, {"NAXIS2", height}}
	data := make([]byte, 4*len(pixels))
	for i, p := range pixels {
		binary.BigEndian.PutUint32(data[4*i:], math.Float32bits(p))
	}
	return encode(append(base, cards...), data)
}

// Unsigned16 converts unsigned samples to the BZERO=32768 signed encoding.
func Unsigned16(samples []uint16) ([]int16, Card, Card) {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = int16(int32(s) - 32768)
	}
	return out, Card{"BZERO", 32768}, Card{"BSCALE", 1}
}

// Write stores data under dir/name and returns the path.
func Write(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func encode(cards []Card, data []byte) []byte {
	var buf bytes.Buffer
	for _, c := range cards {
		buf.WriteString(c.String())
	}
	buf.WriteString(fmt.Sprintf("%-80s", "END"))
	pad(&buf, ' ')
	if len(data) > 0 {
		buf.Write(data)
		pad(&buf, 0)
	}
	return buf.Bytes()
}

func pad(buf *bytes.Buffer, b byte) {
	if rem := buf.Len() % block; rem != 0 {
		buf.Write(bytes.Repeat([]byte{b}, block-rem))
	}
}
