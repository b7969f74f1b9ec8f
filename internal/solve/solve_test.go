package solve

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
	"skyplate/internal/logging"
	"skyplate/internal/stellar"
)

// fakeEngine records configuration and lets tests fire events by hand.
type fakeEngine struct {
	mu sync.Mutex

	extractor stellar.ExtractorType
	process   stellar.ProcessType
	profile   string
	logToFile bool
	logFile   string
	indexDirs []string
	position  *[2]float64
	scale     *[2]float64
	units     stellar.ScaleUnits

	listeners map[stellar.Event][]stellar.Listener
	removed   int
	started   int
	stops     int
	stopErr   error

	solved   bool
	stars    []astro.StarDetection
	solution astro.PlateSolution

	// onStart runs in a goroutine after Start.
	onStart func(e *fakeEngine)
}

func newFake() *fakeEngine {
	return &fakeEngine{listeners: map[stellar.Event][]stellar.Listener{}}
}

func (f *fakeEngine) SetExtractorType(t stellar.ExtractorType) { f.extractor = t }
func (f *fakeEngine) SetSolverType(stellar.SolverType) {}
func (f *fakeEngine) SetProcessType(p stellar.ProcessType) { f.process = p }
func (f *fakeEngine) SetLogToFile(b bool) { f.logToFile = b }
func (f *fakeEngine) SetLogFileName(n string) { f.logFile = n }
func (f *fakeEngine) SetIndexFolderPaths(d []string) { f.indexDirs = d }
func (f *fakeEngine) SetPosition(ra, dec float64) { f.position = &[2]float64{ra, dec} }

func (f *fakeEngine) SetProfile(name string) error {
	if _, ok := stellar.ProfileByName(name); !ok {
		return errors.Configurationf("unknown profile %q", name)
	}
	f.profile = name
	return nil
}

func (f *fakeEngine) SetScale(low, high float64, units stellar.ScaleUnits) {
	f.scale = &[2]float64{low, high}
	f.units = units
}

func (f *fakeEngine) On(e stellar.Event, l stellar.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[e] = append(f.listeners[e], l)
}

func (f *fakeEngine) RemoveAllListeners() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = map[stellar.Event][]stellar.Listener{}
	f.removed++
}

func (f *fakeEngine) Start() error {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	if f.onStart != nil {
		go f.onStart(f)
	}
	return nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeEngine) IsSolved() bool { return f.solved }
func (f *fakeEngine) StarList() []astro.StarDetection { return f.stars }
func (f *fakeEngine) Solution() astro.PlateSolution { return f.solution }

func (f *fakeEngine) fire(e stellar.Event, msg string) {
	f.mu.Lock()
	ls := append([]stellar.Listener(nil), f.listeners[e]...)
	f.mu.Unlock()
	for _, l := range ls {
		l(msg)
	}
}

func (f *fakeEngine) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeEngine) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ls := range f.listeners {
		n += len(ls)
	}
	return n
}

var scenarioSamples = astro.Samples{
	0, 0, 0, 0,
	0, 6553, 0, 0,
	0, 0, 13107, 0,
	0, 0, 0, 19660,
}

func request(t *testing.T, f *fakeEngine) Request {
	t.Helper()
	stat, err := astro.BuildStatistic(4, 4)
	require.NoError(t, err)
	return Request{
		ID:        "test",
		Samples:   scenarioSamples,
		Statistic: stat,
		NewEngine: func(astro.ImageStatistic, astro.Samples) (Engine, error) { return f, nil },
		Logger:    logging.Discard(),
	}
}

func finishWith(solved bool) func(*fakeEngine) {
	return func(e *fakeEngine) {
		e.solved = solved
		if solved {
			e.stars = []astro.StarDetection{{X: 2, Y: 2, HFR: 1.5}}
			e.solution = astro.PlateSolution{RA: 180, Dec: 45, FieldWidth: 10, FieldHeight: 10}
		}
		e.fire(stellar.EventLog, "extracting")
		e.fire(stellar.EventFinished, "")
	}
}

func TestRunSuccessRendersThenStops(t *testing.T) {
	f := newFake()
	f.onStart = finishWith(true)

	req := request(t, f)
	var rendered astro.Solved
	var stopsAtRender int
	req.Render = func(_ context.Context, s astro.Solved) error {
		rendered = s
		stopsAtRender = f.stopCount()
		return nil
	}

	out, err := Run(context.Background(), req)
	require.NoError(t, err)

	solved, ok := out.(astro.Solved)
	require.True(t, ok)
	assert.Equal(t, 180.0, solved.Solution.RA)
	assert.Len(t, solved.Stars, 1)
	assert.Equal(t, solved, rendered)
	assert.Equal(t, 0, stopsAtRender, "engine stops after rendering")
	assert.Equal(t, 1, f.stopCount())
	assert.Equal(t, 0, f.listenerCount())
}

func TestRunFailureNeverRenders(t *testing.T) {
	f := newFake()
	f.onStart = finishWith(false)

	req := request(t, f)
	req.Render = func(context.Context, astro.Solved) error {
		t.Fatal("render must not run for a failed solve")
		return nil
	}

	out, err := Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, astro.Failed{Reason: "unable to solve image"}, out)
	assert.Equal(t, 1, f.stopCount())
}

func TestRunIgnoresDuplicateCompletion(t *testing.T) {
	f := newFake()
	var renders int
	f.onStart = func(e *fakeEngine) {
		e.solved = true
		var ls []stellar.Listener
		e.mu.Lock()
		ls = append(ls, e.listeners[stellar.EventFinished]...)
		e.mu.Unlock()
		// A misbehaving engine that keeps its own listener copy.
		for i := 0; i < 3; i++ {
			for _, l := range ls {
				l("")
			}
		}
	}

	req := request(t, f)
	req.Render = func(context.Context, astro.Solved) error {
		renders++
		return nil
	}

	_, err := Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, renders)
	assert.Equal(t, 1, f.removed)
	assert.Equal(t, 1, f.stopCount())
}

func TestRunAppliesHints(t *testing.T) {
	f := newFake()
	f.onStart = finishWith(false)

	req := request(t, f)
	req.Hints = astro.HeaderHints{RA: astro.Float(83.8), Dec: astro.Float(-5.4), Scale: astro.Float(2.5)}
	req.Options = Options{IndexDirs: []string{"/idx"}, LogToFile: true, LogFileName: "test.log"}

	_, err := Run(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, f.position)
	assert.Equal(t, [2]float64{83.8, -5.4}, *f.position)
	require.NotNil(t, f.scale)
	assert.InDelta(t, 2.0, f.scale[0], 1e-12)
	assert.InDelta(t, 3.0, f.scale[1], 1e-12)
	assert.Equal(t, stellar.ArcsecPerPixel, f.units)
	assert.Equal(t, stellar.ProfileSingleThreadSolving, f.profile)
	assert.Equal(t, stellar.ProcessSolve, f.process)
	assert.Equal(t, stellar.ExtractorInternal, f.extractor)
	assert.Equal(t, []string{"/idx"}, f.indexDirs)
	assert.True(t, f.logToFile)
	assert.Equal(t, "test.log", f.logFile)
}

func TestRunPositionNeedsBothCoordinates(t *testing.T) {
	f := newFake()
	f.onStart = finishWith(false)

	req := request(t, f)
	req.Hints = astro.HeaderHints{RA: astro.Float(10)}

	_, err := Run(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, f.position)
	assert.Nil(t, f.scale)
}

func TestRunRenderErrorPropagatesAndStops(t *testing.T) {
	f := newFake()
	f.onStart = finishWith(true)

	req := request(t, f)
	req.Render = func(context.Context, astro.Solved) error {
		return errors.MarkEncoding(errors.New("boom"))
	}

	out, err := Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEncoding))
	assert.True(t, astro.IsSolved(out), "a solved frame stays distinguishable from a solve failure")
	assert.Equal(t, 1, f.stopCount())
}

func TestRunRenderPanicStillStops(t *testing.T) {
	f := newFake()
	f.onStart = finishWith(true)

	req := request(t, f)
	req.Render = func(context.Context, astro.Solved) error { panic("render exploded") }

	assert.Panics(t, func() { _, _ = Run(context.Background(), req) })
	assert.Equal(t, 1, f.stopCount())
}

func TestRunTimeout(t *testing.T) {
	f := newFake()
	req := request(t, f)
	req.Options.Timeout = 20 * time.Millisecond

	_, err := Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Equal(t, 1, f.stopCount())
	assert.Equal(t, 0, f.listenerCount())
}

func TestRunCancelled(t *testing.T) {
	f := newFake()
	req := request(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	f.onStart = func(*fakeEngine) { cancel() }

	_, err := Run(ctx, req)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrTimeout))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.stopCount())
}

func TestRunStopErrorDoesNotMaskOutcome(t *testing.T) {
	f := newFake()
	f.stopErr = errors.New("engine wedged")
	f.onStart = finishWith(true)

	out, err := Run(context.Background(), request(t, f))
	require.NoError(t, err)
	assert.True(t, astro.IsSolved(out))
}

func TestRunLogEventsAreForwarded(t *testing.T) {
	f := newFake()
	f.onStart = func(e *fakeEngine) {
		for i := 0; i < 5; i++ {
			e.fire(stellar.EventLog, "progress")
		}
		e.fire(stellar.EventFinished, "")
		e.fire(stellar.EventLog, "late")
	}

	req := request(t, f)
	var mu sync.Mutex
	var lines []string
	req.OnLog = func(msg string) {
		mu.Lock()
		lines = append(lines, msg)
		mu.Unlock()
	}

	out, err := Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, astro.IsSolved(out))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, lines, 5)
	assert.NotContains(t, lines, "late")
}

func TestRunRejectsMismatchedBuffer(t *testing.T) {
	f := newFake()
	req := request(t, f)
	req.Samples = req.Samples[:10]

	_, err := Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
	assert.Equal(t, 0, f.started)
}

func TestRunUnknownProfileStillStops(t *testing.T) {
	f := newFake()
	req := request(t, f)
	req.Options.Profile = "nope"

	_, err := Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
	assert.Equal(t, 0, f.started)
	assert.Equal(t, 1, f.stopCount())
}

func TestExtractReturnsStars(t *testing.T) {
	f := newFake()
	f.onStart = func(e *fakeEngine) {
		e.stars = []astro.StarDetection{{X: 1, Y: 1}, {X: 2, Y: 3}}
		e.fire(stellar.EventFinished, "")
	}

	stars, err := Extract(context.Background(), request(t, f))
	require.NoError(t, err)
	assert.Len(t, stars, 2)
	assert.Equal(t, stellar.ProcessExtract, f.process)
	assert.Equal(t, 1, f.stopCount())
}

func TestTransition(t *testing.T) {
	assert.NoError(t, Transition(StateIdle, StateRunning))
	assert.NoError(t, Transition(StateRunning, StateCompleted))
	assert.Error(t, Transition(StateCompleted, StateRunning))
	assert.Error(t, Transition(StateIdle, StateCompleted))
}

func TestStellarFactoryRejectsBadBuffer(t *testing.T) {
	stat, err := astro.BuildStatistic(4, 4)
	require.NoError(t, err)

	_, err = StellarFactory(nil)(stat, make(astro.Samples, 3))
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}
