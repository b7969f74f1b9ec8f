package tasks

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"skyplate/internal/config"
	"skyplate/internal/errors"
	"skyplate/internal/logging"
	"skyplate/internal/render"
)

const versionTimeout = 5 * time.Second

// ToolManager reports on the external programs and index data the solver needs.
type ToolManager struct {
	cfg      *config.Config
	log      *slog.Logger
	lookPath func(file string) (string, error)
	output   func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{
		cfg:      cfg,
		log:      slog.Default(),
		lookPath: exec.LookPath,
		output: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// IndexStatus describes one configured index folder.
type IndexStatus struct {
	Dir    string
	Exists bool
	Files  []string
	Error  error
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	var candidates, versionArgs []string
	switch toolName {
	case "solve-field":
		candidates = []string{tm.cfg.Solver.SolveFieldPath}
		versionArgs = []string{"--help"}
	case "imagemagick":
		// IM7 ships "magick"; IM6 only "convert".
		candidates = []string{"magick", "convert"}
		versionArgs = []string{"-version"}
	case "image2xy":
		candidates = []string{"image2xy"}
		versionArgs = []string{"-h"}
	default:
		candidates = []string{toolName}
	}

	var path string
	var err error
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if path, err = tm.lookPath(c); err == nil {
			break
		}
	}
	if path == "" {
		if err == nil {
			err = errors.Newf("no binary configured for %s", toolName)
		}
		return ToolStatus{Available: false, Error: err}
	}
	if len(versionArgs) == 0 {
		return ToolStatus{Available: true, Path: path}
	}

	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()
	output, err := tm.output(ctx, path, versionArgs...)
	if err != nil && len(output) == 0 {
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	// Help and version flags exit non-zero on some builds but still print.
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// CheckIndexes lists the astrometry index files found in each configured folder.
func (tm *ToolManager) CheckIndexes() []IndexStatus {
	dirs := tm.cfg.IndexDirsExpanded()
	out := make([]IndexStatus, 0, len(dirs))
	for _, dir := range dirs {
		st := IndexStatus{Dir: dir}
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			st.Error = err
		case !info.IsDir():
			st.Error = errors.Newf("%s is not a directory", dir)
		default:
			st.Exists = true
			st.Files, st.Error = indexFiles(dir)
		}
		out = append(out, st)
	}
	return out
}

func indexFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "index-") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".fits", ".fit":
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// RequireSolver returns a configuration error when solving cannot work:
// solve-field is missing or no index folder holds index files.
func (tm *ToolManager) RequireSolver() error {
	if st := tm.CheckTool("solve-field"); !st.Available {
		return errors.MarkConfiguration(errors.Wrapf(st.Error, "solve-field not found (solver.solve_field_path=%q)", tm.cfg.Solver.SolveFieldPath))
	}
	for _, idx := range tm.CheckIndexes() {
		if len(idx.Files) > 0 {
			return nil
		}
	}
	return errors.Configurationf("no astrometry index files in %s", strings.Join(tm.cfg.Solver.IndexDirs, ", "))
}

// GetToolStatus returns comprehensive status of all tools, grouped by role.
func (tm *ToolManager) GetToolStatus() map[string]map[string]ToolStatus {
	status := map[string]map[string]ToolStatus{
		"solver": {
			"solve-field": tm.CheckTool("solve-field"),
			"image2xy":    tm.CheckTool("image2xy"),
		},
		"render": {
			"imagemagick": tm.CheckTool("imagemagick"),
		},
	}

	binding := ToolStatus{Available: render.MagickAvailable, Version: "gopkg.in/gographics/imagick.v3"}
	if !render.MagickAvailable {
		binding.Error = errors.New("built without the imagick tag")
	}
	status["render"]["imagick-binding"] = binding

	for _, tools := range status {
		for name, st := range tools {
			logging.LogToolStatus(tm.log, name, st.Available, st.Version, st.Path, st.Error)
		}
	}
	return status
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
