package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"skyplate/internal/astro"
	"skyplate/internal/config"
	"skyplate/internal/errors"
	"skyplate/internal/logging"
	"skyplate/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobSolve   JobType = "solve"
	JobExtract JobType = "extract"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input_path"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job
	Error   error
	Meta    map[string]any
	Outcome astro.Outcome
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline that solves frames according to cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store) (*Pipeline, error) {
	proc, err := newRouter(cfg, logger, store)
	if err != nil {
		return nil, err
	}
	return NewWithProcessor(ctx, cfg.Processing.ParallelJobs, logger, store, proc), nil
}

// NewWithProcessor creates a Pipeline with the given concurrency and processor implementation.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue without blocking.
func (p *Pipeline) Submit(job Job) error {
	p.recordQueued(job)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.recordResult(job.ID, "rejected", nil, ErrStopped)
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		p.recordResult(job.ID, "rejected", nil, ErrQueueFull)
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion. Subscriber
// channels are closed afterwards.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, job))
		}
	}
}

// run processes one job, logging and persisting its lifecycle.
func (p *Pipeline) run(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	duration := time.Since(start)

	if res.Error != nil {
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
			"kind":   errString(errors.Kind(res.Error)),
		})
		p.recordResult(job.ID, "failed", res.Meta, res.Error)
		return res
	}
	logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	p.recordResult(job.ID, "completed", res.Meta, nil)
	return res
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil {
		return
	}
	optsJSON, _ := json.Marshal(job.Options)
	_ = p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      "queued",
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(optsJSON),
	})
}

func (p *Pipeline) recordResult(id, status string, meta map[string]any, err error) {
	if p.store == nil {
		return
	}
	_ = p.store.RecordJobResult(id, status, meta, errString(err))
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

// Client is the part of Pipeline callers outside the package depend on.
type Client interface {
	Submit(job Job) error
	Subscribe() (<-chan Result, func())
}

// SubmitAndWait submits job and blocks until its result is broadcast.
func SubmitAndWait(ctx context.Context, c Client, job Job) (Result, error) {
	resCh, unsubscribe := c.Subscribe()
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	if err := c.Submit(job); err != nil {
		return Result{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return Result{}, errors.New("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, nil
			}
		}
	}
}
