package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"skyplate/internal/agent"
	"skyplate/internal/config"
	"skyplate/internal/grpcserver"
	"skyplate/internal/pipeline"
	"skyplate/internal/server"
	"skyplate/internal/storage"
	"skyplate/internal/tasks"
)

// Version is set at build time with -ldflags "-X skyplate/internal/cli.Version=...".
var Version = "dev"

type toolManager interface {
	GetToolStatus() map[string]map[string]tasks.ToolStatus
	CheckIndexes() []tasks.IndexStatus
	RequireSolver() error
}

type agentRunner interface {
	Start(ctx context.Context) error
	Stop() error
	GetStatus() map[string]any
}

// Root carries the dependencies shared by every command.
type Root struct {
	pipeline     pipeline.Client
	cfg          *config.Config
	log          *slog.Logger
	store        *storage.Store
	toolFactory  func(*config.Config) toolManager
	agentFactory func(*agent.Config, *slog.Logger) (agentRunner, error)
	serveFn      func(ctx context.Context, r *Root) error
	newID        func() string
}

// NewRoot wires the default factories around an existing pipeline and store.
func NewRoot(pl pipeline.Client, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		toolFactory: func(c *config.Config) toolManager {
			return tasks.NewToolManager(c)
		},
		agentFactory: func(c *agent.Config, log *slog.Logger) (agentRunner, error) {
			return agent.NewAgent(c, nil, log)
		},
		serveFn: defaultServe,
		newID:   uuid.NewString,
	}
}

// Execute runs cmd and reports a failure on stderr. It returns the process
// exit code.
func Execute(ctx context.Context, cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(ctx); err != nil {
		pterm.Error.WithWriter(cmd.ErrOrStderr()).Println(err.Error())
		return 1
	}
	return 0
}

// enqueueAndWait submits job and blocks until the pipeline reports it. A job
// that ran but failed returns its Result alongside the error.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if job.ID == "" {
		job.ID = r.newID()
	}
	r.log.Debug("submitting job", "id", job.ID, "type", job.Type, "input", job.InputPath)

	res, err := pipeline.SubmitAndWait(ctx, r.pipeline, job)
	if err != nil {
		return pipeline.Result{Job: job}, err
	}
	return res, res.Error
}

// defaultServe runs the HTTP server and, when an address is configured, the
// gRPC solver service. The first to stop takes the other down.
func defaultServe(ctx context.Context, r *Root) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	running := 1
	errCh := make(chan error, 2)
	go func() {
		errCh <- server.Serve(ctx, r.cfg, r.store, r.pipeline, r.log)
	}()
	if r.cfg.Server.GRPCAddr != "" {
		running++
		go func() {
			errCh <- grpcserver.NewServer(r.cfg, r.pipeline, r.log).ListenAndServe(ctx)
		}()
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
		cancel()
	}
	return first
}

func renderTable(w io.Writer, data pterm.TableData) error {
	return pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render()
}

func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case nil:
		return "-"
	case float64:
		return fmt.Sprintf("%.6f", v)
	case float32:
		return fmt.Sprintf("%.6f", v)
	default:
		return fmt.Sprint(v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
