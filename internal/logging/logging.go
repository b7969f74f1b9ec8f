package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"skyplate/internal/config"
)

const timestampLayout = "2006/01/02 15:04:05"

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	return slog.New(newHandler(w, parseLevel(level), format, false))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Setup configures global logging with optional dated file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	var w io.Writer = os.Stdout
	if cfg.Logging.FileOutput {
		file, err := openLogFile(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(os.Stdout, file)
	}

	logger := slog.New(newHandler(w, parseLevel(cfg.Logging.Level), cfg.Logging.Format, true))
	slog.SetDefault(logger)

	logger.Debug("skyplate logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// openLogFile opens skyplate-<date>.log in dir for appending and points
// skyplate-current.log at it.
func openLogFile(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := fmt.Sprintf("skyplate-%s.log", now.Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Symlink failure is not critical.
	current := filepath.Join(dir, "skyplate-current.log")
	_ = os.Remove(current)
	_ = os.Symlink(name, current)
	return file, nil
}

func newHandler(w io.Writer, level slog.Level, format string, stamp bool) slog.Handler {
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return &TraditionalHandler{mu: &sync.Mutex{}, out: w, level: level, stamp: stamp}
}

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	stamp  bool
	prefix string
	attrs  []string
}

// NewTraditionalHandler writes untimestamped traditional log lines to w.
func NewTraditionalHandler(w io.Writer, level string) *TraditionalHandler {
	return &TraditionalHandler{mu: &sync.Mutex{}, out: w, level: parseLevel(level)}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	if h.stamp && !r.Time.IsZero() {
		buf.WriteString(r.Time.Format(timestampLayout))
		buf.WriteByte(' ')
	}
	fmt.Fprintf(&buf, "[%s] %s", strings.ToUpper(r.Level.String()), r.Message)

	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})
	if len(attrs) > 0 {
		fmt.Fprintf(&buf, " [%s]", strings.Join(attrs, " "))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	return fmt.Sprintf("%s%s=%v", h.prefix, a.Key, a.Value.Resolve())
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.format(a))
	}
	return &next
}

// WithGroup prefixes later keys with "name.".
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs the beginning of a solve job
func LogJobStart(logger *slog.Logger, jobType, jobID, inputPath, outputPath string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"input", inputPath,
		"output", outputPath,
		"options", options,
	)
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
		return
	}
	logger.Debug("tool not available",
		"tool", tool,
		"error", err,
	)
}

// LogSolveStep logs one stage of a solve job: load, solve, render, write.
func LogSolveStep(logger *slog.Logger, jobID, step string, details map[string]any) {
	logger.Debug("solve step",
		"job_id", jobID,
		"step", step,
		"details", details,
	)
}

// LogSolveEvent logs a diagnostic line emitted by a solving engine.
func LogSolveEvent(logger *slog.Logger, session, message string) {
	logger.Debug("solver",
		"session", session,
		"message", message,
	)
}
