package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"skyplate/internal/config"
	"skyplate/internal/errors"
	"skyplate/internal/fsutil"
	"skyplate/internal/output"
	"skyplate/internal/pipeline"
	"skyplate/internal/render"
	"skyplate/internal/storage"
	"skyplate/internal/tasks"
)

const maxUploadBytes = 256 << 20

// Server exposes the solve pipeline and its history over HTTP.
type Server struct {
	addr      string
	cfg       *config.Config
	store     *storage.Store
	pipeline  pipeline.Client
	log       *slog.Logger
	writer    output.Writer
	uploads   *rate.Limiter
	hub       *WebSocketHub
	upgrader  websocket.Upgrader
	watchDirs []string
	newID     func() string
	server    *http.Server
}

// NewServer creates a server for cfg.Server.Addr. Frames appearing in
// cfg.Watch.Dirs are solved automatically once Start runs.
func NewServer(cfg *config.Config, store *storage.Store, pipe pipeline.Client, log *slog.Logger) *Server {
	return &Server{
		addr:      cfg.Server.Addr,
		cfg:       cfg,
		store:     store,
		pipeline:  pipe,
		log:       log,
		writer:    output.NewFileWriter(),
		uploads:   tasks.NewRateLimiter(cfg.Server.UploadsPerMinute),
		hub:       newHub(log),
		watchDirs: cfg.Watch.Dirs,
		newID:     uuid.NewString,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/image", s.handleJobImage).Methods("GET")
	r.HandleFunc("/solutions", s.handleSolutions).Methods("GET")
	r.HandleFunc("/solve", s.handleSolve).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Run starts the websocket hub and the result relay. It returns at once; both
// stop with ctx.
func (s *Server) Run(ctx context.Context) {
	go s.hub.run(ctx)
	go s.relay(ctx)
}

// Start begins the server and monitoring services
func (s *Server) Start(ctx context.Context) error {
	s.Run(ctx)

	if len(s.watchDirs) > 0 {
		if err := s.watch(ctx); err != nil {
			return err
		}
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve builds a server from cfg and blocks until ctx is done.
func Serve(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipeline.Client, log *slog.Logger) error {
	return NewServer(cfg, store, pipe, log).Start(ctx)
}

// watch submits a solve job for every frame that settles in the watch dirs.
func (s *Server) watch(ctx context.Context) error {
	fsw, err := tasks.NewFileSystemWatcher(s.watchDirs, tasks.WithLogger(s.log))
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	if err := fsw.Start(); err != nil {
		_ = fsw.Stop()
		return errors.Wrap(err, "start watcher")
	}

	events := tasks.Throttle(ctx, fsw.Events, tasks.NewRateLimiter(s.cfg.Watch.SolvesPerMinute))
	go func() {
		defer fsw.Stop()
		for ev := range events {
			job := pipeline.Job{
				ID:        s.newID(),
				Type:      pipeline.JobSolve,
				InputPath: ev.Path,
				Output:    fsutil.SolutionPath(ev.Path),
			}
			if err := s.pipeline.Submit(job); err != nil {
				s.log.Warn("watched frame not queued", "path", ev.Path, "error", err)
			}
		}
	}()
	return nil
}

// relay forwards pipeline results to websocket clients.
func (s *Server) relay(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(res.View())
			if err != nil {
				s.log.Warn("result not serialisable", "job", res.Job.ID, "error", err)
				continue
			}
			s.hub.Broadcast(ctx, payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// jobDetail is the body of GET /jobs/{id}.
type jobDetail struct {
	Job      storage.JobRecord       `json:"job"`
	Meta     map[string]any          `json:"meta,omitempty"`
	Solution *storage.SolutionRecord `json:"solution,omitempty"`
	Events   []storage.EventRecord   `json:"events,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if err != nil {
		storeError(w, err)
		return
	}

	detail := jobDetail{Job: rec}
	if detail.Meta, err = s.store.JobMeta(id); err != nil && !errors.Is(err, sql.ErrNoRows) {
		storeError(w, err)
		return
	}
	if sol, err := s.store.Solution(id); err == nil {
		detail.Solution = &sol
	}
	if detail.Events, err = s.store.Events(id); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleJobImage(w http.ResponseWriter, r *http.Request) {
	sol, err := s.store.Solution(mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	if sol.OutputPath == "" {
		http.Error(w, "no rendered image for job", http.StatusNotFound)
		return
	}

	f, err := os.Open(sol.OutputPath)
	if err != nil {
		http.Error(w, "rendered image missing", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if enc, err := render.EncoderFor(extOf(sol.OutputPath)); err == nil {
		w.Header().Set("Content-Type", enc.ContentType())
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleSolutions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentSolutions(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res.View())
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrNotInitialized):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
