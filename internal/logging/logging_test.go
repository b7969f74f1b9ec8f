package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplate/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, "debug")).With("session", "abc")

	logger.Info("solver finished", "solved", true)

	line := strings.TrimSpace(buf.String())
	assert.Equal(t, "[INFO] solver finished [session=abc solved=true]", line)
}

func TestTraditionalHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, "warn"))

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[WARN] shown")
}

func TestJobHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, "debug"))

	LogJobStart(logger, "solve", "job-1", "m31.fits", "out.png", nil)
	LogJobError(logger, "solve", "job-1", time.Second, errors.New("unable to solve image"), nil)
	LogSolveEvent(logger, "job-1", "field 1: solved")

	out := buf.String()
	assert.Contains(t, out, "job started")
	assert.Contains(t, out, "error=unable to solve image")
	assert.Contains(t, out, "message=field 1: solved")
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Logging.Level = "debug"

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := Setup(cfg)
	require.NoError(t, err)
	logger.Info("hello")

	data, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, "skyplate-"+time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[INFO] hello")
}

func TestTraditionalHandlerGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, "info")).WithGroup("hint").With("ra", 10.5)

	logger.Info("hint applied", "radius", 2)

	assert.Equal(t, "[INFO] hint applied [hint.ra=10.5 hint.radius=2]", strings.TrimSpace(buf.String()))
}
