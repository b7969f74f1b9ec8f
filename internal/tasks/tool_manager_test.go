package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplate/internal/config"
	"skyplate/internal/errors"
	"skyplate/internal/render"
)

func fakeTools(t *testing.T, installed map[string]string, output string) *ToolManager {
	t.Helper()
	cfg := config.Default()
	cfg.Solver.IndexDirs = []string{t.TempDir()}
	tm := NewToolManager(cfg)
	tm.lookPath = func(file string) (string, error) {
		if p, ok := installed[file]; ok {
			return p, nil
		}
		return "", errors.Newf("exec: %q: executable file not found in $PATH", file)
	}
	tm.output = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(output), nil
	}
	return tm
}

func TestCheckToolFindsSolveField(t *testing.T) {
	tm := fakeTools(t, map[string]string{"solve-field": "/usr/bin/solve-field"}, "Usage: solve-field [options]\n")

	st := tm.CheckTool("solve-field")
	require.True(t, st.Available)
	assert.Equal(t, "/usr/bin/solve-field", st.Path)
	assert.Equal(t, "Usage: solve-field [options]", st.Version)
}

func TestCheckToolImageMagickFallsBackToConvert(t *testing.T) {
	tm := fakeTools(t, map[string]string{"convert": "/usr/bin/convert"}, "Version: ImageMagick 6.9.12-98 Q16\n")

	st := tm.CheckTool("imagemagick")
	require.True(t, st.Available)
	assert.Equal(t, "/usr/bin/convert", st.Path)
	assert.Equal(t, "Version: ImageMagick 6.9.12-98 Q16", st.Version)
}

func TestCheckToolMissing(t *testing.T) {
	tm := fakeTools(t, nil, "")

	st := tm.CheckTool("solve-field")
	assert.False(t, st.Available)
	assert.Error(t, st.Error)
}

func TestCheckIndexes(t *testing.T) {
	tm := fakeTools(t, nil, "")
	dir := tm.cfg.Solver.IndexDirs[0]
	for _, name := range []string{"index-4107.fits", "index-4108.fits", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	tm.cfg.Solver.IndexDirs = append(tm.cfg.Solver.IndexDirs, filepath.Join(dir, "missing"))

	got := tm.CheckIndexes()
	require.Len(t, got, 2)
	assert.True(t, got[0].Exists)
	assert.Equal(t, []string{"index-4107.fits", "index-4108.fits"}, got[0].Files)
	assert.False(t, got[1].Exists)
	assert.Error(t, got[1].Error)
}

func TestRequireSolver(t *testing.T) {
	tm := fakeTools(t, nil, "")
	assert.True(t, errors.Is(tm.RequireSolver(), errors.ErrConfiguration))

	tm = fakeTools(t, map[string]string{"solve-field": "/usr/bin/solve-field"}, "usage")
	err := tm.RequireSolver()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no astrometry index files")

	dir := tm.cfg.Solver.IndexDirs[0]
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index-5200-00.fits"), nil, 0o644))
	assert.NoError(t, tm.RequireSolver())
}

func TestGetToolStatusReportsBinding(t *testing.T) {
	tm := fakeTools(t, nil, "")
	status := tm.GetToolStatus()

	require.Contains(t, status, "solver")
	require.Contains(t, status, "render")
	assert.Equal(t, render.MagickAvailable, status["render"]["imagick-binding"].Available)
	assert.False(t, status["solver"]["solve-field"].Available)
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "Version: 1.2", extractVersion("tool\nVersion: 1.2\n"))
	assert.Equal(t, "tool 3", extractVersion("tool 3\nmore"))
	assert.Equal(t, "unknown", extractVersion(""))
}
