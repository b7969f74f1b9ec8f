package stellar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"skyplate/internal/errors"
)

// ExtractorType selects how stars are found.
type ExtractorType int

const (
	// ExtractorInternal runs the built-in extractor and hands solve-field an xylist.
	ExtractorInternal ExtractorType = iota
	// ExtractorAstrometry lets solve-field extract from the image itself.
	ExtractorAstrometry
)

// ParseExtractor maps a configuration name to an ExtractorType. An empty
// name selects the internal extractor.
func ParseExtractor(name string) (ExtractorType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "internal":
		return ExtractorInternal, nil
	case "astrometry":
		return ExtractorAstrometry, nil
	default:
		return 0, errors.Configurationf("unknown extractor %q", name)
	}
}

func (e ExtractorType) String() string {
	switch e {
	case ExtractorInternal:
		return "internal"
	case ExtractorAstrometry:
		return "astrometry"
	default:
		return fmt.Sprintf("extractor(%d)", int(e))
	}
}

// SolverType selects the solving backend.
type SolverType int

const (
	// SolverAstrometry drives astrometry.net's solve-field.
	SolverAstrometry SolverType = iota
)

func (s SolverType) String() string {
	if s == SolverAstrometry {
		return "astrometry"
	}
	return fmt.Sprintf("solver(%d)", int(s))
}

// ProcessType selects how far a session runs.
type ProcessType int

const (
	// ProcessSolve extracts and then solves.
	ProcessSolve ProcessType = iota
	// ProcessExtract stops after extraction. IsSolved stays false.
	ProcessExtract
)

func (p ProcessType) String() string {
	switch p {
	case ProcessSolve:
		return "solve"
	case ProcessExtract:
		return "extract"
	default:
		return fmt.Sprintf("process(%d)", int(p))
	}
}

// ScaleUnits qualifies the bounds passed to SetScale.
type ScaleUnits int

const (
	ArcsecPerPixel ScaleUnits = iota
	DegreesWidth
)

// flag returns the solve-field --scale-units value.
func (u ScaleUnits) flag() string {
	switch u {
	case DegreesWidth:
		return "degwidth"
	default:
		return "arcsecperpix"
	}
}

// Event names a notification delivered to listeners.
type Event int

const (
	EventFinished Event = iota
	EventLog
)

func (e Event) String() string {
	switch e {
	case EventFinished:
		return "finished"
	case EventLog:
		return "log"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Profile bundles extraction and solving parameters.
type Profile struct {
	Name string

	// Extraction
	Downsample     int     // binning factor; star coordinates are reported in the binned grid
	SigmaThreshold float64 // detection threshold above background, in noise sigmas
	MinArea        int     // binned pixels
	MaxArea        int     // 0 means unbounded
	MaxStars       int     // 0 keeps every star

	// Solving
	InParallel   bool
	CPULimit     time.Duration
	SearchRadius float64 // degrees around a position hint
	ScaleLow     float64 // field width bounds in degrees used without a scale hint
	ScaleHigh    float64
}

const (
	ProfileDefault             = "default"
	ProfileSingleThreadSolving = "single-thread-solving"
	ProfileParallelSolving     = "parallel-solving"
	ProfileParallelLargeScale  = "parallel-large-scale"
	ProfileParallelSmallScale  = "parallel-small-scale"
)

var profiles = map[string]Profile{
	ProfileDefault: {
		Name:           ProfileDefault,
		Downsample:     2,
		SigmaThreshold: 3,
		MinArea:        2,
		MaxStars:       0,
		CPULimit:       10 * time.Minute,
		SearchRadius:   15,
	},
	ProfileSingleThreadSolving: {
		Name:           ProfileSingleThreadSolving,
		Downsample:     3,
		SigmaThreshold: 2.5,
		MinArea:        1,
		MaxArea:        1000,
		MaxStars:       300,
		CPULimit:       5 * time.Minute,
		SearchRadius:   15,
	},
	ProfileParallelSolving: {
		Name:           ProfileParallelSolving,
		Downsample:     3,
		SigmaThreshold: 2.5,
		MinArea:        1,
		MaxArea:        1000,
		MaxStars:       300,
		InParallel:     true,
		CPULimit:       5 * time.Minute,
		SearchRadius:   15,
	},
	ProfileParallelLargeScale: {
		Name:           ProfileParallelLargeScale,
		Downsample:     3,
		SigmaThreshold: 3,
		MinArea:        1,
		MaxArea:        1000,
		MaxStars:       300,
		InParallel:     true,
		CPULimit:       5 * time.Minute,
		SearchRadius:   30,
		ScaleLow:       1,
		ScaleHigh:      10,
	},
	ProfileParallelSmallScale: {
		Name:           ProfileParallelSmallScale,
		Downsample:     3,
		SigmaThreshold: 2,
		MinArea:        1,
		MaxArea:        1000,
		MaxStars:       500,
		InParallel:     true,
		CPULimit:       5 * time.Minute,
		SearchRadius:   5,
		ScaleLow:       0.1,
		ScaleHigh:      1,
	},
}

// ProfileByName looks up a built-in profile.
func ProfileByName(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// ProfileNames lists the built-in profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
