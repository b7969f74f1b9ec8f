package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"skyplate/internal/agent"
	"skyplate/internal/config"
	"skyplate/internal/fsutil"
	"skyplate/internal/pipeline"
	"skyplate/internal/storage"
	"skyplate/internal/tasks"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipeline.Client) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skyplate",
		Short: "Skyplate plate-solves astronomical frames and renders the solution",
		Long: `Skyplate runs a local astrometry engine on FITS or raster frames, reports the
solved sky position and writes a tone-mapped image annotated with every detected star.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newExtractCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newAgentCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

type hintFlags struct {
	ra, dec, scale float64
	profile        string
	timeout        time.Duration
	indexDirs      []string
}

func (h *hintFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&h.ra, "ra", 0, "Right ascension hint in degrees (overrides the FITS header)")
	cmd.Flags().Float64Var(&h.dec, "dec", 0, "Declination hint in degrees (overrides the FITS header)")
	cmd.Flags().Float64Var(&h.scale, "scale", 0, "Pixel scale hint in arcsec/pixel")
	cmd.Flags().StringVar(&h.profile, "profile", "", "Solver profile (default from config)")
	cmd.Flags().DurationVar(&h.timeout, "timeout", 0, "Give up after this long (0 means no limit)")
	cmd.Flags().StringSliceVar(&h.indexDirs, "index-dir", nil, "Astrometry index directory (repeatable)")
}

func (h *hintFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("ra") {
		opts["ra"] = h.ra
	}
	if flags.Changed("dec") {
		opts["dec"] = h.dec
	}
	if flags.Changed("scale") {
		opts["scale"] = h.scale
	}
	if h.profile != "" {
		opts["profile"] = h.profile
	}
	if flags.Changed("timeout") {
		opts["timeout"] = h.timeout.String()
	}
	if len(h.indexDirs) > 0 {
		opts["index_dirs"] = h.indexDirs
	}
	return opts
}

func newSolveCmd(root *Root) *cobra.Command {
	var (
		output string
		asJSON bool
		hints  hintFlags
	)

	cmd := &cobra.Command{
		Use:   "solve <image>",
		Short: "Plate-solve a frame and write the annotated solution image",
		Long: `Solve a FITS or raster frame against the configured astrometry indexes.

On success the solved centre, orientation and field size are printed and the
annotated image is written to --output. A frame that cannot be solved writes
nothing and exits non-zero.

Examples:
  skyplate solve m31.fits
  skyplate solve m31.fits --output m31-solved.png --scale 1.6
  skyplate solve frame.png --ra 10.68 --dec 41.27 --timeout 2m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:      pipeline.JobSolve,
				InputPath: args[0],
				Output:    output,
				Options:   hints.options(cmd),
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res.View())
			}
			return printSolution(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.DefaultOutput, "Annotated image path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	hints.register(cmd)
	return cmd
}

func newExtractCmd(root *Root) *cobra.Command {
	var (
		asJSON bool
		hints  hintFlags
	)

	cmd := &cobra.Command{
		Use:   "extract <image>",
		Short: "Detect stars and report half-flux radius statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:      pipeline.JobExtract,
				InputPath: args[0],
				Options:   hints.options(cmd),
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res.View())
			}
			return renderTable(cmd.OutOrStdout(), pterm.TableData{
				{"Frame", "Size", "Stars", "HFR median", "HFR mean", "HFR stddev"},
				{
					args[0],
					fmt.Sprintf("%sx%s", metaString(res.Meta, "width"), metaString(res.Meta, "height")),
					metaString(res.Meta, "stars"),
					metaString(res.Meta, "hfr_median"),
					metaString(res.Meta, "hfr_mean"),
					metaString(res.Meta, "hfr_stddev"),
				},
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result, including every detection, as JSON")
	hints.register(cmd)
	return cmd
}

func printSolution(w io.Writer, res pipeline.Result) error {
	pterm.Success.WithWriter(w).Printfln("solved %s", res.Job.InputPath)
	return renderTable(w, pterm.TableData{
		{"Field", "Value"},
		{"RA (deg)", metaString(res.Meta, "ra")},
		{"Dec (deg)", metaString(res.Meta, "dec")},
		{"Orientation (deg)", metaString(res.Meta, "orientation")},
		{"Field (arcmin)", metaString(res.Meta, "field_width") + " x " + metaString(res.Meta, "field_height")},
		{"Pixel scale (arcsec/px)", metaString(res.Meta, "pixel_scale")},
		{"Stars", metaString(res.Meta, "stars")},
		{"Output", metaString(res.Meta, "output")},
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		scan      bool
		perMinute int
		settle    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Solve every new frame that appears in the given directories",
		Long: `Watch directories for new FITS or raster frames. Each frame is solved once it
has stopped changing for --settle, and its solution is written next to it as
<name>-solution.<format>. Solves are rate-limited to --rate per minute.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.watch(cmd.Context(), cmd.OutOrStdout(), args, scan, perMinute, settle)
		},
	}

	cmd.Flags().BoolVar(&scan, "scan", false, "Also solve frames already present")
	cmd.Flags().IntVar(&perMinute, "rate", root.cfg.Watch.SolvesPerMinute, "Maximum solves per minute (0 for unlimited)")
	cmd.Flags().DurationVar(&settle, "settle", tasks.DefaultSettle, "Quiet period before a frame is solved")
	return cmd
}

func (r *Root) watch(ctx context.Context, w io.Writer, dirs []string, scan bool, perMinute int, settle time.Duration) error {
	results, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	fsw, err := tasks.NewFileSystemWatcher(dirs, tasks.WithSettle(settle), tasks.WithLogger(r.log))
	if err != nil {
		return err
	}
	if err := fsw.Start(); err != nil {
		_ = fsw.Stop()
		return err
	}
	defer fsw.Stop()

	frames := make(chan tasks.FileSystemEvent)
	go func() {
		defer close(frames)
		if scan {
			for _, dir := range dirs {
				existing, err := fsutil.ListFrames(dir)
				if err != nil {
					r.log.Warn("scan failed", "dir", dir, "error", err)
					continue
				}
				for _, path := range existing {
					select {
					case frames <- tasks.FileSystemEvent{Path: path, Operation: "existing", Time: time.Now()}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				select {
				case frames <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	pterm.Info.WithWriter(w).Printfln("watching %s", strings.Join(dirs, ", "))
	pending := map[string]string{}
	throttled := tasks.Throttle(ctx, frames, tasks.NewRateLimiter(perMinute))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-throttled:
			if !ok {
				return nil
			}
			job := pipeline.Job{
				ID:        r.newID(),
				Type:      pipeline.JobSolve,
				InputPath: ev.Path,
				Output:    fsutil.SolutionPath(ev.Path),
			}
			if err := r.pipeline.Submit(job); err != nil {
				pterm.Warning.WithWriter(w).Printfln("%s: %v", ev.Path, err)
				continue
			}
			pending[job.ID] = ev.Path
		case res, ok := <-results:
			if !ok {
				return nil
			}
			path, mine := pending[res.Job.ID]
			if !mine {
				continue
			}
			delete(pending, res.Job.ID)
			if res.Error != nil {
				pterm.Error.WithWriter(w).Printfln("%s: %v", path, res.Error)
				continue
			}
			pterm.Success.WithWriter(w).Printfln("%s: ra=%s dec=%s stars=%s -> %s", path,
				metaString(res.Meta, "ra"), metaString(res.Meta, "dec"),
				metaString(res.Meta, "stars"), metaString(res.Meta, "output"))
		}
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		grpcAddr   string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC solver service",
		Long: `Start an HTTP server for uploads, job history and live results, plus the gRPC
solver used by remote agents. Frames appearing in --watch directories are
solved automatically.

Examples:
  skyplate serve --addr :8080 --grpc-addr :9090
  skyplate serve --watch /data/captures`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				root.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				root.cfg.Server.GRPCAddr = grpcAddr
			}
			if len(watchPaths) > 0 {
				root.cfg.Watch.Dirs = watchPaths
			}

			root.log.Info("starting server",
				"addr", root.cfg.Server.Addr,
				"grpc_addr", root.cfg.Server.GRPCAddr,
				"watch_paths", root.cfg.Watch.Dirs,
			)
			return root.serveFn(cmd.Context(), root)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address (empty disables)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "Directory to watch for new frames (repeatable)")
	return cmd
}

// newAgentCmd creates the agent command that feeds a remote solver
func newAgentCmd(root *Root) *cobra.Command {
	var (
		serverAddr  string
		directories []string
		mode        string
		perMinute   int
		scan        bool
		profile     string
		timeout     string
		insecure    bool
		caCert      string
		tlsCert     string
		tlsKey      string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Watch local directories and send new frames to a skyplate server",
		Long: `Run a solving agent next to the capture machine. New frames are streamed to the
server's gRPC solver (--mode upload) or referenced by path when both machines
share storage (--mode path).

Examples:
  skyplate agent --server solver:9090 --dir /captures
  skyplate agent --server solver:9090 --dir /mnt/shared --mode path --scan`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := agent.ConfigFrom(root.cfg)
			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.ServerAddress = serverAddr
			}
			if len(directories) > 0 {
				cfg.Directories = directories
			}
			if flags.Changed("mode") {
				cfg.Mode = mode
			}
			if flags.Changed("rate") {
				cfg.SolvesPerMinute = perMinute
			}
			if flags.Changed("insecure") {
				cfg.Insecure = insecure
			}
			if caCert != "" {
				cfg.CACertPath = caCert
			}
			if tlsCert != "" {
				cfg.TLSCertPath = tlsCert
			}
			if tlsKey != "" {
				cfg.TLSKeyPath = tlsKey
			}
			cfg.ScanExisting = scan
			cfg.Profile = profile
			cfg.Timeout = timeout

			a, err := root.agentFactory(cfg, root.log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				return err
			}
			pterm.Info.WithWriter(cmd.OutOrStdout()).Printfln("agent sending %s frames from %s to %s",
				cfg.Mode, strings.Join(cfg.Directories, ", "), cfg.ServerAddress)

			<-ctx.Done()
			status := a.GetStatus()
			root.log.Info("agent stopping", "tasks", status["tasks"])
			return a.Stop()
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", root.cfg.Agent.ServerAddr, "Solver gRPC address")
	cmd.Flags().StringSliceVar(&directories, "dir", nil, "Directory to watch (repeatable, default from config)")
	cmd.Flags().StringVar(&mode, "mode", root.cfg.Agent.Mode, "upload or path")
	cmd.Flags().IntVar(&perMinute, "rate", root.cfg.Watch.SolvesPerMinute, "Maximum solves per minute")
	cmd.Flags().BoolVar(&scan, "scan", false, "Also send frames already present")
	cmd.Flags().StringVar(&profile, "profile", "", "Solver profile to request")
	cmd.Flags().StringVar(&timeout, "timeout", "", "Solve timeout to request, e.g. 2m")
	cmd.Flags().BoolVar(&insecure, "insecure", root.cfg.Agent.Insecure, "Connect without TLS")
	cmd.Flags().StringVar(&caCert, "ca-cert", "", "CA certificate for the server")
	cmd.Flags().StringVar(&tlsCert, "cert", "", "Client certificate")
	cmd.Flags().StringVar(&tlsKey, "key", "", "Client key")
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit     int
		solutions bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent jobs or stored solutions",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if solutions {
				recs, err := root.store.RecentSolutions(limit)
				if err != nil {
					return err
				}
				data := pterm.TableData{{"Job", "Input", "RA", "Dec", "Orientation", "Stars", "Output", "Solved"}}
				for _, s := range recs {
					data = append(data, []string{
						s.JobID, s.InputPath,
						fmt.Sprintf("%.6f", s.Solution.RA),
						fmt.Sprintf("%.6f", s.Solution.Dec),
						fmt.Sprintf("%.2f", s.Solution.Orientation),
						fmt.Sprint(s.StarCount), s.OutputPath,
						s.CreatedAt.Local().Format(time.DateTime),
					})
				}
				return renderTable(w, data)
			}

			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			data := pterm.TableData{{"ID", "Type", "Status", "Input", "Output", "Created", "Error"}}
			for _, j := range recs {
				data = append(data, []string{
					j.ID, j.JobType, j.Status, j.InputPath, j.OutputPath,
					j.CreatedAt.Local().Format(time.DateTime), j.Error,
				})
			}
			return renderTable(w, data)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	cmd.Flags().BoolVar(&solutions, "solutions", false, "List solutions instead of jobs")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Report solver tools and astrometry index folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			mgr := root.toolFactory(root.cfg)

			status := mgr.GetToolStatus()
			data := pterm.TableData{{"Group", "Tool", "Available", "Version", "Path"}}
			for _, group := range sortedKeys(status) {
				for _, name := range sortedKeys(status[group]) {
					st := status[group][name]
					avail := pterm.Green("yes")
					if !st.Available {
						avail = pterm.Red("no")
					}
					data = append(data, []string{group, name, avail, st.Version, st.Path})
				}
			}
			if err := renderTable(w, data); err != nil {
				return err
			}

			indexes := pterm.TableData{{"Index directory", "Exists", "Index files", "Error"}}
			for _, idx := range mgr.CheckIndexes() {
				errMsg := ""
				if idx.Error != nil {
					errMsg = idx.Error.Error()
				}
				indexes = append(indexes, []string{idx.Dir, fmt.Sprint(idx.Exists), fmt.Sprint(len(idx.Files)), errMsg})
			}
			pterm.Fprintln(w)
			return renderTable(w, indexes)
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "skyplate "+Version)
		},
	}
}
