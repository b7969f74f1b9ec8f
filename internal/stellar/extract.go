package stellar

import (
	"context"
	"math"
	"sort"

	"skyplate/internal/astro"
)

// Star is an extracted source in the binned grid.
type Star struct {
	astro.StarDetection
	Flux float64
	Area int
}

type pixel struct{ X, Y int }

// binned is a downsampled copy of the frame.
type binned struct {
	width, height int
	values        []float64
}

func bin(samples astro.Samples, stat astro.ImageStatistic, factor int) binned {
	if factor < 1 {
		factor = 1
	}
	bw := (stat.Width + factor - 1) / factor
	bh := (stat.Height + factor - 1) / factor
	out := binned{width: bw, height: bh, values: make([]float64, bw*bh)}
	counts := make([]int, bw*bh)

	for y := 0; y < stat.Height; y++ {
		row := (y / factor) * bw
		for x := 0; x < stat.Width; x++ {
			idx := row + x/factor
			out.values[idx] += float64(samples[y*stat.Width+x])
			counts[idx]++
		}
	}
	for i, n := range counts {
		if n > 0 {
			out.values[i] /= float64(n)
		}
	}
	return out
}

// Extract finds stars brighter than the profile threshold. Results are sorted
// brightest first and capped at profile.MaxStars. Coordinates are in the grid
// binned by profile.Downsample.
func Extract(ctx context.Context, samples astro.Samples, stat astro.ImageStatistic, profile Profile) ([]Star, error) {
	if err := samples.Validate(stat); err != nil {
		return nil, err
	}

	img := bin(samples, stat, profile.Downsample)
	bg := astro.Describe(img.values)
	threshold := bg.Median + profile.SigmaThreshold*bg.StdDev

	visited := make([]bool, len(img.values))
	var stars []Star

	for y := 0; y < img.height; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < img.width; x++ {
			idx := y*img.width + x
			if visited[idx] || img.values[idx] <= threshold {
				continue
			}

			blob := floodFill(img, visited, threshold, x, y)
			if len(blob) < profile.MinArea || (profile.MaxArea > 0 && len(blob) > profile.MaxArea) {
				continue
			}
			if star, ok := measure(img, blob, bg.Median); ok {
				stars = append(stars, star)
			}
		}
	}

	sort.SliceStable(stars, func(i, j int) bool {
		return stars[i].Flux > stars[j].Flux
	})
	if profile.MaxStars > 0 && len(stars) > profile.MaxStars {
		stars = stars[:profile.MaxStars]
	}
	return stars, nil
}

// floodFill traces the 4-connected pixels above threshold.
func floodFill(img binned, visited []bool, threshold float64, startX, startY int) []pixel {
	var result []pixel
	stack := []pixel{{startX, startY}}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.X < 0 || p.X >= img.width || p.Y < 0 || p.Y >= img.height {
			continue
		}
		idx := p.Y*img.width + p.X
		if visited[idx] || img.values[idx] <= threshold {
			continue
		}

		visited[idx] = true
		result = append(result, p)

		stack = append(stack,
			pixel{p.X + 1, p.Y},
			pixel{p.X - 1, p.Y},
			pixel{p.X, p.Y + 1},
			pixel{p.X, p.Y - 1},
		)
	}
	return result
}

// measure computes the flux-weighted centroid and half-flux radius of a blob.
func measure(img binned, blob []pixel, background float64) (Star, bool) {
	var sumX, sumY, flux float64
	for _, p := range blob {
		f := img.values[p.Y*img.width+p.X] - background
		sumX += float64(p.X) * f
		sumY += float64(p.Y) * f
		flux += f
	}
	if flux <= 0 {
		return Star{}, false
	}
	cx, cy := sumX/flux, sumY/flux

	var weighted float64
	for _, p := range blob {
		f := img.values[p.Y*img.width+p.X] - background
		weighted += f * math.Hypot(float64(p.X)-cx, float64(p.Y)-cy)
	}

	return Star{
		StarDetection: astro.StarDetection{X: cx, Y: cy, HFR: weighted / flux},
		Flux:          flux,
		Area:          len(blob),
	}, true
}

// Detections strips extraction bookkeeping.
func Detections(stars []Star) []astro.StarDetection {
	out := make([]astro.StarDetection, len(stars))
	for i, s := range stars {
		out[i] = s.StarDetection
	}
	return out
}
