package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplate/internal/astro"
	"skyplate/internal/errors"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "skyplate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "j1", JobType: "solve", Status: "queued", InputPath: "m31.fits", OutputPath: "solution.png"}))
	require.NoError(t, s.RecordJobStart("j1"))
	require.NoError(t, s.RecordJobResult("j1", "completed", map[string]any{"stars": 12}, ""))

	rec, err := s.Job("j1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "m31.fits", rec.InputPath)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)

	meta, err := s.JobMeta("j1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, meta["stars"])

	jobs, err := s.RecentJobs(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
}

func TestFailedJobKeepsError(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "j2", JobType: "solve", Status: "queued"}))
	require.NoError(t, s.RecordJobResult("j2", "failed", nil, "unable to solve image"))

	rec, err := s.Job("j2")
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "unable to solve image", rec.Error)
}

func TestSolutions(t *testing.T) {
	s := newStore(t)

	sol := astro.PlateSolution{RA: 10.68, Dec: 41.27, Orientation: -12.5, FieldWidth: 120, FieldHeight: 80, PixelScale: 1.8}
	require.NoError(t, s.RecordSolution(SolutionRecord{JobID: "j1", InputPath: "m31.fits", OutputPath: "m31.png", Solution: sol, StarCount: 250}))
	require.NoError(t, s.RecordSolution(SolutionRecord{JobID: "j2", InputPath: "m42.fits", Solution: astro.PlateSolution{RA: 83.8, Dec: -5.4}}))

	got, err := s.Solution("j1")
	require.NoError(t, err)
	assert.Equal(t, sol, got.Solution)
	assert.Equal(t, 250, got.StarCount)
	assert.Equal(t, "m31.png", got.OutputPath)

	recent, err := s.RecentSolutions(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "j2", recent[0].JobID)

	_, err = s.Solution("missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestEvents(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.RecordEvent("j1", "extracting"))
	require.NoError(t, s.RecordEvent("j1", "solved"))
	require.NoError(t, s.RecordEvent("j2", "other"))

	events, err := s.Events("j1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "extracting", events[0].Message)
	assert.Equal(t, "solved", events[1].Message)
}

func TestNilStore(t *testing.T) {
	var s *Store
	assert.NoError(t, s.RecordJobQueued(JobRecord{ID: "x"}))
	assert.NoError(t, s.RecordEvent("x", "y"))
	assert.NoError(t, s.Close())

	_, err := s.RecentJobs(1)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
