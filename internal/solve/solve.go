// Package solve drives a plate-solving engine through one session and turns
// its completion into an astro.Outcome.
package solve

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
	"skyplate/internal/logging"
	"skyplate/internal/stellar"
)

// Scale hints are widened to this band around the header value.
const (
	ScaleLowFactor  = 0.8
	ScaleHighFactor = 1.2
)

// RenderFunc consumes a solved outcome before the engine is stopped.
type RenderFunc func(ctx context.Context, solved astro.Solved) error

// Options configure the engine for one session.
type Options struct {
	Extractor   stellar.ExtractorType
	Profile     string
	IndexDirs   []string
	LogToFile   bool
	LogFileName string
	// Timeout bounds the wait for completion. Zero waits for the context only.
	Timeout time.Duration
}

// Request is everything a session needs.
type Request struct {
	ID        string
	Samples   astro.Samples
	Statistic astro.ImageStatistic
	Hints     astro.HeaderHints
	Options   Options
	NewEngine EngineFactory
	Render    RenderFunc
	Logger    *slog.Logger
	// OnLog receives engine log lines until completion.
	OnLog func(message string)
}

// Session owns one engine from configuration to teardown.
type Session struct {
	id      string
	req     Request
	process stellar.ProcessType
	engine  Engine
	logger  *slog.Logger

	mu    sync.Mutex
	state State

	completeOnce sync.Once
	completed    chan struct{}
	stopOnce     sync.Once
}

// Run solves the frame described by req. A failed solve is returned as
// astro.Failed with a nil error. When rendering fails after a successful solve
// the Solved outcome is returned together with the render error.
func Run(ctx context.Context, req Request) (astro.Outcome, error) {
	s, err := newSession(req, stellar.ProcessSolve)
	if err != nil {
		return nil, err
	}
	return s.solve(ctx)
}

// Extract runs extraction only and returns the detected stars.
func Extract(ctx context.Context, req Request) ([]astro.StarDetection, error) {
	s, err := newSession(req, stellar.ProcessExtract)
	if err != nil {
		return nil, err
	}
	defer s.teardown()

	if err := s.startAndWait(ctx); err != nil {
		return nil, err
	}
	return s.engine.StarList(), nil
}

func newSession(req Request, process stellar.ProcessType) (*Session, error) {
	if req.NewEngine == nil {
		return nil, errors.Configurationf("no engine factory")
	}
	if err := req.Samples.Validate(req.Statistic); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Options.Profile == "" {
		req.Options.Profile = stellar.ProfileSingleThreadSolving
	}
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:        req.ID,
		req:       req,
		process:   process,
		logger:    logger.With("session", req.ID),
		completed: make(chan struct{}),
	}, nil
}

// State reports the session lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := Transition(s.state, to); err != nil {
		return err
	}
	s.state = to
	return nil
}

func (s *Session) solve(ctx context.Context) (astro.Outcome, error) {
	defer s.teardown()

	if err := s.startAndWait(ctx); err != nil {
		return nil, err
	}

	if !s.engine.IsSolved() {
		s.teardown()
		s.logger.Info("solve failed", "reason", astro.UnableToSolve)
		return astro.Failed{Reason: astro.UnableToSolve}, nil
	}

	solved := astro.Solved{
		Stars:    s.engine.StarList(),
		Solution: s.engine.Solution(),
	}
	s.logger.Info("solve succeeded",
		"ra", solved.Solution.RA,
		"dec", solved.Solution.Dec,
		"orientation", solved.Solution.Orientation,
		"stars", len(solved.Stars),
	)

	if s.req.Render != nil {
		if err := s.req.Render(ctx, solved); err != nil {
			return solved, err
		}
	}
	return solved, nil
}

// startAndWait configures, starts and waits for the first completion event.
func (s *Session) startAndWait(ctx context.Context) error {
	engine, err := s.req.NewEngine(s.req.Statistic, s.req.Samples)
	if err != nil {
		return errors.Wrap(err, "construct engine")
	}
	s.engine = engine

	if err := s.configure(); err != nil {
		return err
	}

	engine.On(stellar.EventFinished, func(string) { s.complete() })
	engine.On(stellar.EventLog, s.onLog)

	if err := s.transition(StateRunning); err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return errors.Wrap(err, "start engine")
	}

	waitCtx := ctx
	if s.req.Options.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.req.Options.Timeout)
		defer cancel()
	}

	select {
	case <-s.completed:
	case <-waitCtx.Done():
		engine.RemoveAllListeners()
		s.teardown()
		if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.MarkTimeout(errors.Wrapf(waitCtx.Err(), "no result after %s", s.req.Options.Timeout))
		}
		return errors.Wrap(ctx.Err(), "solve cancelled")
	}

	return s.transition(StateCompleted)
}

func (s *Session) configure() error {
	e, o := s.engine, s.req.Options

	e.SetExtractorType(o.Extractor)
	e.SetSolverType(stellar.SolverAstrometry)
	e.SetProcessType(s.process)
	e.SetLogToFile(o.LogToFile)
	e.SetLogFileName(o.LogFileName)
	if err := e.SetProfile(o.Profile); err != nil {
		return err
	}
	e.SetIndexFolderPaths(o.IndexDirs)

	h := s.req.Hints
	if h.HasPosition() {
		e.SetPosition(*h.RA, *h.Dec)
	}
	if h.HasScale() {
		e.SetScale(*h.Scale*ScaleLowFactor, *h.Scale*ScaleHighFactor, stellar.ArcsecPerPixel)
	}

	s.logger.Debug("engine configured",
		"statistic", s.req.Statistic.String(),
		"process", s.process.String(),
		"profile", o.Profile,
		"position_hint", h.HasPosition(),
		"scale_hint", h.HasScale(),
	)
	return nil
}

// complete handles the first completion event and ignores the rest.
func (s *Session) complete() {
	s.completeOnce.Do(func() {
		s.engine.RemoveAllListeners()
		close(s.completed)
	})
}

func (s *Session) onLog(msg string) {
	select {
	case <-s.completed:
		return
	default:
	}
	logging.LogSolveEvent(s.logger, s.id, msg)
	if s.req.OnLog != nil {
		s.req.OnLog(msg)
	}
}

// teardown stops the engine once. Stop failures never replace the outcome.
func (s *Session) teardown() {
	if s.engine == nil {
		return
	}
	s.stopOnce.Do(func() {
		if err := s.engine.Stop(); err != nil {
			s.logger.Warn("engine stop failed", "error", err)
		}
	})
}
