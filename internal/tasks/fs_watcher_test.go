package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"skyplate/internal/logging"
)

func startWatcher(t *testing.T, dir string) *FileSystemWatcher {
	t.Helper()
	w, err := NewFileSystemWatcher([]string{dir}, WithSettle(50*time.Millisecond), WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWatcherReportsSettledFrames(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	path := filepath.Join(dir, "m42_0001.fits")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 2880))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "m42_0001.txt"), []byte("notes"), 0o644))

	select {
	case ev := <-w.Events:
		assert.Equal(t, path, ev.Path)
		assert.Equal(t, "created", ev.Operation)
		assert.Equal(t, int64(2880), ev.Size)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for new frame")
	}

	select {
	case ev := <-w.Events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherStopClosesEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileSystemWatcher([]string{dir}, WithSettle(time.Hour), WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.fit"), []byte("x"), 0o644))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, w.Stop())
	_, ok := <-w.Events
	assert.False(t, ok)
	assert.NoError(t, w.Stop())
}

func TestWatcherMissingDir(t *testing.T) {
	w, err := NewFileSystemWatcher([]string{filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)
	defer w.Stop()
	assert.Error(t, w.Start())
}

func TestNewRateLimiter(t *testing.T) {
	assert.Equal(t, rate.Inf, NewRateLimiter(0).Limit())
	assert.InDelta(t, 0.2, float64(NewRateLimiter(12).Limit()), 1e-9)
}

func TestThrottleForwardsInOrder(t *testing.T) {
	in := make(chan FileSystemEvent, 3)
	for _, p := range []string{"a.fits", "b.fits", "c.fits"} {
		in <- FileSystemEvent{Path: p}
	}
	close(in)

	var got []string
	for ev := range Throttle(context.Background(), in, NewRateLimiter(0)) {
		got = append(got, ev.Path)
	}
	assert.Equal(t, []string{"a.fits", "b.fits", "c.fits"}, got)
}

func TestThrottleStopsOnCancel(t *testing.T) {
	in := make(chan FileSystemEvent, 2)
	in <- FileSystemEvent{Path: "a.fits"}
	in <- FileSystemEvent{Path: "b.fits"}

	ctx, cancel := context.WithCancel(context.Background())
	out := Throttle(ctx, in, rate.NewLimiter(rate.Every(time.Hour), 1))

	first := <-out
	assert.Equal(t, "a.fits", first.Path)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("throttle did not stop")
	}
}
