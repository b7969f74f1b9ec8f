package solve

import (
	"skyplate/internal/astro"
	"skyplate/internal/stellar"
)

// Engine is the event-driven solver the orchestrator drives.
type Engine interface {
	SetExtractorType(stellar.ExtractorType)
	SetSolverType(stellar.SolverType)
	SetProcessType(stellar.ProcessType)
	SetLogToFile(bool)
	SetLogFileName(string)
	SetProfile(name string) error
	SetIndexFolderPaths(dirs []string)
	SetPosition(ra, dec float64)
	SetScale(low, high float64, units stellar.ScaleUnits)

	On(stellar.Event, stellar.Listener)
	RemoveAllListeners()
	Start() error
	Stop() error

	IsSolved() bool
	StarList() []astro.StarDetection
	Solution() astro.PlateSolution
}

// EngineFactory constructs an engine over a frame.
type EngineFactory func(stat astro.ImageStatistic, samples astro.Samples) (Engine, error)

// StellarFactory builds stellar solvers, applying configure before they are
// handed to the orchestrator.
func StellarFactory(configure func(*stellar.Solver)) EngineFactory {
	return func(stat astro.ImageStatistic, samples astro.Samples) (Engine, error) {
		s, err := stellar.New(stat, samples)
		if err != nil {
			return nil, err
		}
		if configure != nil {
			configure(s)
		}
		return s, nil
	}
}
