// Package stellar is an event-driven plate-solving engine. It extracts stars
// in-process and hands them to astrometry.net's solve-field.
package stellar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
)

type position struct{ RA, Dec float64 }

type scaleHint struct {
	Low, High float64
	Units     ScaleUnits
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateDone
)

// Listener receives event payloads. Finished events carry an empty message.
type Listener func(message string)

// Solver runs one solving session over a frame. Configure it, register
// listeners, then Start. Results are available once EventFinished fires.
type Solver struct {
	stat    astro.ImageStatistic
	samples astro.Samples

	extractor    ExtractorType
	solverType   SolverType
	process      ProcessType
	profile      Profile
	logToFile    bool
	logFileName  string
	indexDirs    []string
	position     *position
	scale        *scaleHint
	searchRadius float64

	solveField string
	tempDir    string
	runner     Runner
	logger     *slog.Logger

	mu        sync.Mutex
	listeners map[Event][]Listener
	state     state
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
	logFile   *os.File

	solved   bool
	stars    []Star
	solution astro.PlateSolution
}

// New binds a solver to a frame. The buffer is shared read-only.
func New(stat astro.ImageStatistic, samples astro.Samples) (*Solver, error) {
	if err := samples.Validate(stat); err != nil {
		return nil, err
	}
	if stat.Channels != 1 {
		return nil, errors.Configurationf("expected one channel, got %d", stat.Channels)
	}
	profile, _ := ProfileByName(ProfileDefault)
	return &Solver{
		stat:       stat,
		samples:    samples,
		profile:    profile,
		solveField: "solve-field",
		tempDir:    os.TempDir(),
		runner:     ExecRunner{},
		logger:     slog.Default(),
		listeners:  map[Event][]Listener{},
		done:       make(chan struct{}),
	}, nil
}

func (s *Solver) SetExtractorType(t ExtractorType) { s.extractor = t }
func (s *Solver) SetSolverType(t SolverType) { s.solverType = t }
func (s *Solver) SetProcessType(t ProcessType) { s.process = t }
func (s *Solver) SetLogToFile(enabled bool) { s.logToFile = enabled }
func (s *Solver) SetLogFileName(name string) { s.logFileName = name }
func (s *Solver) SetSearchRadius(deg float64) { s.searchRadius = deg }
func (s *Solver) SetSolveFieldPath(path string) { s.solveField = path }
func (s *Solver) SetTempDir(dir string) { s.tempDir = dir }
func (s *Solver) SetRunner(r Runner) { s.runner = r }
func (s *Solver) SetLogger(l *slog.Logger) { s.logger = l }

// SetIndexFolderPaths replaces the index folders consulted by the solver.
func (s *Solver) SetIndexFolderPaths(dirs []string) {
	s.indexDirs = append([]string(nil), dirs...)
}

// SetProfile selects a built-in profile by name.
func (s *Solver) SetProfile(name string) error {
	p, ok := ProfileByName(name)
	if !ok {
		return errors.Configurationf("unknown solving profile %q", name)
	}
	s.profile = p
	return nil
}

// Profile returns the active profile.
func (s *Solver) Profile() Profile { return s.profile }

// SetPosition seeds the search around ra/dec in degrees.
func (s *Solver) SetPosition(ra, dec float64) {
	s.position = &position{RA: ra, Dec: dec}
}

// SetScale bounds the image scale.
func (s *Solver) SetScale(low, high float64, units ScaleUnits) {
	s.scale = &scaleHint{Low: low, High: high, Units: units}
}

// On registers l for event e.
func (s *Solver) On(e Event, l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[e] = append(s.listeners[e], l)
}

// RemoveAllListeners drops every registered listener. Events already being
// delivered may still complete.
func (s *Solver) RemoveAllListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = map[Event][]Listener{}
}

// Start launches the session in the background.
func (s *Solver) Start() error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return errors.Configurationf("solver already started")
	}
	if s.solverType != SolverAstrometry {
		s.mu.Unlock()
		return errors.Configurationf("unsupported solver %s", s.solverType)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = stateRunning
	s.mu.Unlock()

	if s.logToFile && s.logFileName != "" {
		f, err := os.OpenFile(s.logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.logger.Warn("solver log file unavailable", "path", s.logFileName, "error", err)
		} else {
			s.logFile = f
		}
	}

	go s.run(ctx)
	return nil
}

// Stop aborts a running session and waits for it to wind down. It is safe to
// call more than once and before Start.
func (s *Solver) Stop() error {
	s.mu.Lock()
	st := s.state
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if st == stateIdle {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	<-s.done
	return nil
}

// Done is closed when the session has finished.
func (s *Solver) Done() <-chan struct{} { return s.done }

// IsSolved reports whether the finished session found a solution.
func (s *Solver) IsSolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solved
}

// StarList returns the extracted stars, brightest first.
func (s *Solver) StarList() []astro.StarDetection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Detections(s.stars)
}

// Solution returns the plate solution of a solved session.
func (s *Solver) Solution() astro.PlateSolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solution
}

func (s *Solver) run(ctx context.Context) {
	start := time.Now()
	solved, stars, solution, err := s.session(ctx)
	if err != nil {
		s.emitLog(fmt.Sprintf("session ended: %v", err))
	}

	s.mu.Lock()
	s.solved = solved
	s.stars = stars
	s.solution = solution
	s.state = stateDone
	stopped := s.stopped
	s.mu.Unlock()

	s.emitLog(fmt.Sprintf("finished in %s, solved=%t, stars=%d", time.Since(start).Round(time.Millisecond), solved, len(stars)))
	if s.logFile != nil {
		s.logFile.Close()
	}
	close(s.done)

	if !stopped {
		s.emit(EventFinished, "")
	}
}

func (s *Solver) session(ctx context.Context) (bool, []Star, astro.PlateSolution, error) {
	s.emitLog(fmt.Sprintf("extracting %s with %s profile (downsample %d)", s.stat, s.profile.Name, s.profile.Downsample))
	stars, err := Extract(ctx, s.samples, s.stat, s.profile)
	if err != nil {
		return false, nil, astro.PlateSolution{}, err
	}
	s.emitLog(fmt.Sprintf("extracted %d stars", len(stars)))

	if s.process == ProcessExtract {
		return false, stars, astro.PlateSolution{}, nil
	}
	if len(stars) == 0 && s.extractor == ExtractorInternal {
		return false, stars, astro.PlateSolution{}, errors.New("no stars to solve with")
	}

	workDir, err := os.MkdirTemp(s.tempDir, "skyplate-solve-")
	if err != nil {
		return false, stars, astro.PlateSolution{}, errors.Wrap(err, "create work dir")
	}
	defer os.RemoveAll(workDir)

	xyls, img, cfg, solvedPath, wcsPath := sessionPaths(workDir)
	if err := writeBackendConfig(cfg, s.indexDirs, s.profile.InParallel); err != nil {
		return false, stars, astro.PlateSolution{}, err
	}

	input := xyls
	if s.extractor == ExtractorInternal {
		err = writeXYList(xyls, stars, s.profile.Downsample)
	} else {
		input = img
		err = writeImage(img, s.samples, s.stat)
	}
	if err != nil {
		return false, stars, astro.PlateSolution{}, err
	}

	args := s.solveFieldArgs(workDir, input, cfg)
	s.emitLog(fmt.Sprintf("running %s %v", s.solveField, args))
	if err := s.runner.Run(ctx, workDir, s.solveField, args, s.emitLog); err != nil {
		return false, stars, astro.PlateSolution{}, err
	}

	if _, err := os.Stat(solvedPath); err != nil {
		return false, stars, astro.PlateSolution{}, nil
	}
	solution, err := readWCS(wcsPath, s.stat)
	if err != nil {
		return false, stars, astro.PlateSolution{}, err
	}
	s.emitLog(fmt.Sprintf("solved: ra=%.4f dec=%.4f rotation=%.2f scale=%.3f\"/px", solution.RA, solution.Dec, solution.Orientation, solution.PixelScale))
	return true, stars, solution, nil
}

func (s *Solver) emitLog(msg string) {
	if s.logFile != nil {
		fmt.Fprintf(s.logFile, "%s %s\n", time.Now().Format(time.RFC3339), msg)
	}
	s.emit(EventLog, msg)
}

func (s *Solver) emit(e Event, msg string) {
	s.mu.Lock()
	ls := append([]Listener(nil), s.listeners[e]...)
	s.mu.Unlock()
	for _, l := range ls {
		l(msg)
	}
}

// LogFilePath resolves the configured log file name.
func (s *Solver) LogFilePath() string {
	if s.logFileName == "" {
		return ""
	}
	abs, err := filepath.Abs(s.logFileName)
	if err != nil {
		return s.logFileName
	}
	return abs
}
