package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"skyplate/internal/astro"
	"skyplate/internal/config"
	"skyplate/internal/errors"
	"skyplate/internal/logging"
	"skyplate/internal/output"
	"skyplate/internal/render"
	"skyplate/internal/solve"
	"skyplate/internal/source"
	"skyplate/internal/stellar"
	"skyplate/internal/storage"
)

type loadFunc func(path string) (*source.Image, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	cfg       *config.Config
	load      loadFunc
	newEngine solve.EngineFactory
	extractor stellar.ExtractorType
	renderer  *render.Renderer
	writer    output.Writer
}

func newRouter(cfg *config.Config, logger *slog.Logger, store *storage.Store) (*router, error) {
	enc, err := render.EncoderFor(cfg.Render.Format)
	if err != nil {
		return nil, err
	}
	extractor, err := stellar.ParseExtractor(cfg.Solver.Extractor)
	if err != nil {
		return nil, err
	}
	renderer, err := render.New(render.Options{
		Gain:        cfg.Render.Gain,
		MarkerScale: cfg.Render.MarkerScale,
		MarkerColor: cfg.Render.MarkerColor,
		Encoder:     enc,
	})
	if err != nil {
		return nil, err
	}

	return &router{
		log:       logger,
		store:     store,
		cfg:       cfg,
		load:      source.Load,
		renderer:  renderer,
		writer:    output.NewFileWriter(),
		extractor: extractor,
		newEngine: solve.StellarFactory(func(s *stellar.Solver) {
			s.SetSolveFieldPath(cfg.Solver.SolveFieldPath)
			s.SetSearchRadius(cfg.Solver.SearchRadius)
			s.SetTempDir(cfg.Processing.TempDir)
			s.SetLogger(logger)
		}),
	}, nil
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSolve:
		return r.handleSolve(ctx, job)
	case JobExtract:
		return r.handleExtract(ctx, job)
	default:
		return Result{Job: job, Error: errors.Configurationf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleSolve(ctx context.Context, job Job) Result {
	img, err := r.load(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	outPath := r.outputPath(job)
	meta := map[string]any{
		"input":  job.InputPath,
		"width":  img.Width,
		"height": img.Height,
	}
	logging.LogSolveStep(r.log, job.ID, "load", meta)

	req := r.request(job, img)
	req.Render = func(ctx context.Context, solved astro.Solved) error {
		data, err := r.renderer.Render(ctx, img.Samples, img.Statistic, solved)
		if err != nil {
			return err
		}
		logging.LogSolveStep(r.log, job.ID, "render", map[string]any{"bytes": len(data), "stars": len(solved.Stars)})
		if err := r.writer.Write(ctx, outPath, data); err != nil {
			return err
		}
		logging.LogSolveStep(r.log, job.ID, "write", map[string]any{"output": outPath})
		return nil
	}

	outcome, err := solve.Run(ctx, req)
	switch o := outcome.(type) {
	case astro.Solved:
		meta["solved"] = true
		meta["stars"] = len(o.Stars)
		meta["ra"] = o.Solution.RA
		meta["dec"] = o.Solution.Dec
		meta["orientation"] = o.Solution.Orientation
		meta["field_width"] = o.Solution.FieldWidth
		meta["field_height"] = o.Solution.FieldHeight
		meta["pixel_scale"] = o.Solution.PixelScale
		if err == nil {
			meta["output"] = outPath
		}
		_ = r.store.RecordSolution(storage.SolutionRecord{
			JobID:      job.ID,
			InputPath:  job.InputPath,
			OutputPath: outputIf(err == nil, outPath),
			Solution:   o.Solution,
			StarCount:  len(o.Stars),
		})
	case astro.Failed:
		meta["solved"] = false
		meta["reason"] = o.Reason
		if err == nil {
			err = errors.Mark(errors.New(o.Reason), errors.ErrSolveFailed)
		}
	}
	return Result{Job: job, Error: err, Meta: meta, Outcome: outcome}
}

func (r *router) handleExtract(ctx context.Context, job Job) Result {
	img, err := r.load(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	stars, err := solve.Extract(ctx, r.request(job, img))
	if err != nil {
		return Result{Job: job, Error: err}
	}

	hfr := make([]float64, len(stars))
	for i, s := range stars {
		hfr[i] = s.HFR
	}
	summary := astro.Describe(hfr)
	return Result{Job: job, Meta: map[string]any{
		"input":      job.InputPath,
		"width":      img.Width,
		"height":     img.Height,
		"stars":      len(stars),
		"hfr_median": summary.Median,
		"hfr_mean":   summary.Mean,
		"hfr_stddev": summary.StdDev,
		"detections": stars,
	}}
}

func (r *router) request(job Job, img *source.Image) solve.Request {
	cfg := r.cfg
	indexDirs := cfg.IndexDirsExpanded()
	if dirs := getStringsOption(job.Options, "index_dirs"); len(dirs) > 0 {
		indexDirs = dirs
	}
	profile := cfg.Solver.Profile
	if p := getStringOption(job.Options, "profile"); p != "" {
		profile = p
	}
	timeout := cfg.Solver.Timeout
	if d, ok := getDurationOption(job.Options, "timeout"); ok {
		timeout = d
	}
	logFile := cfg.Solver.LogFileName
	if logFile != "" && !filepath.IsAbs(logFile) && cfg.Logging.LogDir != "" {
		logFile = filepath.Join(cfg.Logging.LogDir, logFile)
	}

	return solve.Request{
		ID:        job.ID,
		Samples:   img.Samples,
		Statistic: img.Statistic,
		Hints:     img.Hints.Merge(optionHints(job.Options)),
		Options: solve.Options{
			Extractor:   r.extractor,
			Profile:     profile,
			IndexDirs:   indexDirs,
			LogToFile:   cfg.Solver.LogToFile,
			LogFileName: logFile,
			Timeout:     timeout,
		},
		NewEngine: r.newEngine,
		Logger:    r.log,
		OnLog: func(msg string) {
			_ = r.store.RecordEvent(job.ID, msg)
		},
	}
}

func (r *router) outputPath(job Job) string {
	out := job.Output
	if out == "" {
		out = r.cfg.Paths.DefaultOutput
	}
	if filepath.Ext(out) == "" {
		out += r.renderer.Encoder().Extension()
	}
	return out
}

func outputIf(ok bool, path string) string {
	if ok {
		return path
	}
	return ""
}

func optionHints(options map[string]any) astro.HeaderHints {
	var h astro.HeaderHints
	if v, ok := getFloat64Option(options, "ra"); ok {
		h.RA = astro.Float(v)
	}
	if v, ok := getFloat64Option(options, "dec"); ok {
		h.Dec = astro.Float(v)
	}
	if v, ok := getFloat64Option(options, "scale"); ok && v > 0 {
		h.Scale = astro.Float(v)
	}
	return h
}

// Helper functions to safely extract typed options from job.Options map
func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return strings.TrimSpace(val)
	}
	return ""
}

func getFloat64Option(options map[string]any, key string) (float64, bool) {
	switch val := options[key].(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	}
	return 0, false
}

func getStringsOption(options map[string]any, key string) []string {
	switch val := options[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getDurationOption(options map[string]any, key string) (time.Duration, bool) {
	switch val := options[key].(type) {
	case time.Duration:
		return val, true
	case string:
		d, err := time.ParseDuration(val)
		return d, err == nil
	case float64:
		return time.Duration(val * float64(time.Second)), true
	}
	return 0, false
}
