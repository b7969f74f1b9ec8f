package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate skyplate configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and check the solver is usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate(cmd)
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command) error {
	cfgPath := os.Getenv("SKYPLATE_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/skyplate/config.json"
	}

	c := r.cfg
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Config file: %s\n\n", cfgPath)
	return renderTable(w, pterm.TableData{
		{"Setting", "Value"},
		{"solver.solve_field_path", c.Solver.SolveFieldPath},
		{"solver.index_dirs", strings.Join(c.Solver.IndexDirs, ", ")},
		{"solver.profile", c.Solver.Profile},
		{"solver.extractor", c.Solver.Extractor},
		{"solver.timeout", c.Solver.Timeout.String()},
		{"solver.search_radius", fmt.Sprint(c.Solver.SearchRadius)},
		{"render.gain", fmt.Sprint(c.Render.Gain)},
		{"render.marker_scale", fmt.Sprint(c.Render.MarkerScale)},
		{"render.marker_color", c.Render.MarkerColor},
		{"render.format", c.Render.Format},
		{"paths.default_output", c.Paths.DefaultOutput},
		{"paths.database_path", c.Paths.DatabasePath},
		{"processing.parallel_jobs", fmt.Sprint(c.Processing.ParallelJobs)},
		{"server.addr", c.Server.Addr},
		{"server.grpc_addr", c.Server.GRPCAddr},
		{"server.upload_dir", c.Server.UploadDir},
		{"watch.dirs", strings.Join(c.Watch.Dirs, ", ")},
		{"watch.solves_per_minute", fmt.Sprint(c.Watch.SolvesPerMinute)},
		{"agent.server_addr", c.Agent.ServerAddr},
		{"agent.mode", c.Agent.Mode},
		{"logging.level", c.Logging.Level},
		{"logging.format", c.Logging.Format},
	})
}

// configValidate fails on invalid settings. A missing solver binary or index
// set only warns.
func (r *Root) configValidate(cmd *cobra.Command) error {
	w := cmd.OutOrStdout()
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	if err := r.toolFactory(r.cfg).RequireSolver(); err != nil {
		pterm.Warning.WithWriter(w).Println(err.Error())
	}
	r.log.Info("configuration validation", "status", "valid")
	pterm.Success.WithWriter(w).Println("Configuration is valid")
	return nil
}
