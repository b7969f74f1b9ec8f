package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"skyplate/internal/config"
	"skyplate/internal/errors"
	"skyplate/internal/fsutil"
	"skyplate/internal/grpcserver"
	"skyplate/internal/tasks"
)

// Modes select how frames reach the server.
const (
	ModeUpload = "upload" // stream file bytes
	ModePath   = "path"   // send the path; the server shares the filesystem
)

// Solver is the remote API the agent drives.
type Solver interface {
	Solve(ctx context.Context, path string, opts grpcserver.SolveOptions) (*structpb.Struct, error)
	Upload(ctx context.Context, path string, opts grpcserver.SolveOptions) (*structpb.Struct, error)
}

// Config controls one agent.
type Config struct {
	ServerAddress   string
	Directories     []string
	Mode            string
	SolvesPerMinute int
	Settle          time.Duration
	// ScanExisting submits frames already present when the agent starts.
	ScanExisting bool
	Profile      string
	Timeout      string

	// Security
	Insecure    bool
	CACertPath  string
	TLSCertPath string
	TLSKeyPath  string
}

// ConfigFrom builds an agent Config from the application config.
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		ServerAddress:   cfg.Agent.ServerAddr,
		Directories:     cfg.Watch.Dirs,
		Mode:            cfg.Agent.Mode,
		SolvesPerMinute: cfg.Watch.SolvesPerMinute,
		Settle:          tasks.DefaultSettle,
		Insecure:        cfg.Agent.Insecure,
		CACertPath:      cfg.Agent.CACert,
		TLSCertPath:     cfg.Agent.TLSCert,
		TLSKeyPath:      cfg.Agent.TLSKey,
	}
}

// Task is the agent's record of one submitted frame.
type Task struct {
	Path      string
	Status    string // pending, completed, failed, error
	StartTime time.Time
	Duration  time.Duration
	Result    map[string]any
	Error     string
}

// Agent watches directories and sends each settled frame to a remote solver.
type Agent struct {
	config  *Config
	log     *slog.Logger
	solver  Solver
	conn    *grpcserver.Client
	limiter *rate.Limiter
	watcher *tasks.FileSystemWatcher

	tasksMutex sync.RWMutex
	tasks      map[string]*Task

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent creates an agent. solver may be nil, in which case Start dials
// config.ServerAddress.
func NewAgent(cfg *Config, solver Solver, log *slog.Logger) (*Agent, error) {
	if len(cfg.Directories) == 0 {
		return nil, errors.Configurationf("agent needs at least one directory to watch")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeUpload
	case ModeUpload, ModePath:
	default:
		return nil, errors.Configurationf("unknown agent mode %q", cfg.Mode)
	}
	if cfg.Settle <= 0 {
		cfg.Settle = tasks.DefaultSettle
	}
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		config:  cfg,
		log:     log,
		solver:  solver,
		limiter: tasks.NewRateLimiter(cfg.SolvesPerMinute),
		tasks:   make(map[string]*Task),
	}, nil
}

// Start connects if needed, starts watching and returns. Work continues until
// ctx is done or Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	if a.solver == nil {
		client, err := a.dial()
		if err != nil {
			return errors.Wrap(err, "connect to server")
		}
		a.conn = client
		a.solver = client
	}

	watcher, err := tasks.NewFileSystemWatcher(a.config.Directories,
		tasks.WithSettle(a.config.Settle), tasks.WithLogger(a.log))
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		_ = watcher.Stop()
		return err
	}
	a.watcher = watcher

	ctx, a.cancel = context.WithCancel(ctx)

	frames := make(chan tasks.FileSystemEvent, 100)
	a.wg.Add(2)
	go a.collect(ctx, frames)
	go a.process(ctx, tasks.Throttle(ctx, frames, a.limiter))

	a.log.Info("agent started",
		"server", a.config.ServerAddress,
		"mode", a.config.Mode,
		"directories", a.config.Directories,
	)
	return nil
}

// Stop halts watching and waits for the in-flight frame.
func (a *Agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	var err error
	if a.watcher != nil {
		err = a.watcher.Stop()
	}
	a.wg.Wait()
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// collect merges the initial scan and watcher events into frames.
func (a *Agent) collect(ctx context.Context, frames chan<- tasks.FileSystemEvent) {
	defer a.wg.Done()
	defer close(frames)

	send := func(ev tasks.FileSystemEvent) bool {
		select {
		case frames <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if a.config.ScanExisting {
		for _, dir := range a.config.Directories {
			paths, err := fsutil.ListFrames(dir)
			if err != nil {
				a.log.Warn("scan failed", "dir", dir, "error", err)
				continue
			}
			for _, p := range paths {
				if !send(tasks.FileSystemEvent{Path: p, Operation: "existing", Time: time.Now()}) {
					return
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
		}
	}
}

func (a *Agent) process(ctx context.Context, frames <-chan tasks.FileSystemEvent) {
	defer a.wg.Done()
	for ev := range frames {
		a.submit(ctx, ev.Path)
	}
}

func (a *Agent) submit(ctx context.Context, path string) {
	task := &Task{Path: path, Status: "pending", StartTime: time.Now()}
	a.tasksMutex.Lock()
	a.tasks[path] = task
	a.tasksMutex.Unlock()

	opts := grpcserver.SolveOptions{Profile: a.config.Profile, Timeout: a.config.Timeout}
	var res *structpb.Struct
	var err error
	if a.config.Mode == ModePath {
		res, err = a.solver.Solve(ctx, path, opts)
	} else {
		res, err = a.solver.Upload(ctx, path, opts)
	}

	a.tasksMutex.Lock()
	defer a.tasksMutex.Unlock()
	task.Duration = time.Since(task.StartTime)
	if err != nil {
		task.Status = "error"
		task.Error = err.Error()
		a.log.Error("frame not solved remotely", "path", path, "error", err)
		return
	}

	task.Result = res.AsMap()
	task.Status, _ = task.Result["status"].(string)
	if msg, ok := task.Result["error"].(string); ok {
		task.Error = msg
	}
	a.log.Info("frame processed",
		"path", path,
		"status", task.Status,
		"duration", task.Duration,
		"error", task.Error,
	)
}

// Tasks returns a snapshot of every frame the agent has handled.
func (a *Agent) Tasks() []Task {
	a.tasksMutex.RLock()
	defer a.tasksMutex.RUnlock()
	out := make([]Task, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, *t)
	}
	return out
}

// GetStatus summarises agent activity.
func (a *Agent) GetStatus() map[string]any {
	counts := map[string]int{}
	for _, t := range a.Tasks() {
		counts[t.Status]++
	}
	return map[string]any{
		"server":      a.config.ServerAddress,
		"mode":        a.config.Mode,
		"directories": a.config.Directories,
		"tasks":       counts,
	}
}

func (a *Agent) dial() (*grpcserver.Client, error) {
	var opts []grpc.DialOption

	if a.config.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := a.createTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "create TLS config")
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(100*1024*1024),
			grpc.MaxCallSendMsgSize(100*1024*1024),
		),
	)

	return grpcserver.Dial(a.config.ServerAddress, opts...)
}

func (a *Agent) createTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if a.config.CACertPath != "" {
		caCert, err := os.ReadFile(a.config.CACertPath)
		if err != nil {
			return nil, errors.Wrap(err, "read CA cert")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append CA cert")
		}
		cfg.RootCAs = pool
	}

	if a.config.TLSCertPath != "" && a.config.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(a.config.TLSCertPath, a.config.TLSKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
