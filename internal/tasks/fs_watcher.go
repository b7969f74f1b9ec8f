package tasks

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"skyplate/internal/fsutil"
)

// DefaultSettle is how long a frame must stay unchanged before it is reported.
const DefaultSettle = 2 * time.Second

// FileSystemEvent represents a frame that appeared or changed on disk.
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// FileSystemWatcher monitors directories for new frames. Capture software
// writes frames progressively, so an event is only emitted once the file has
// been quiet for the settle period.
type FileSystemWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan FileSystemEvent
	watchDirs []string
	log       *slog.Logger
	settle    time.Duration
	match     func(path string) bool

	mu      sync.Mutex
	pending map[string]*pendingFrame

	done     chan struct{}
	loop     sync.WaitGroup
	timers   sync.WaitGroup
	stopOnce sync.Once
}

type pendingFrame struct {
	timer     *time.Timer
	operation string
}

// WatcherOption customises a FileSystemWatcher.
type WatcherOption func(*FileSystemWatcher)

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) WatcherOption {
	return func(w *FileSystemWatcher) { w.settle = d }
}

// WithMatcher restricts the files that produce events. Defaults to fsutil.IsFrame.
func WithMatcher(match func(path string) bool) WatcherOption {
	return func(w *FileSystemWatcher) { w.match = match }
}

// WithLogger sets the watcher logger.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *FileSystemWatcher) { w.log = l }
}

// NewFileSystemWatcher creates a new filesystem watcher
func NewFileSystemWatcher(watchPaths []string, opts ...WatcherOption) (*FileSystemWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fsw := &FileSystemWatcher{
		watcher:   watcher,
		Events:    make(chan FileSystemEvent, 100),
		watchDirs: watchPaths,
		log:       slog.Default(),
		settle:    DefaultSettle,
		match:     fsutil.IsFrame,
		pending:   make(map[string]*pendingFrame),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fsw)
	}

	return fsw, nil
}

// Start begins monitoring the configured directories
func (fsw *FileSystemWatcher) Start() error {
	for _, dir := range fsw.watchDirs {
		if err := fsw.watcher.Add(dir); err != nil {
			return err
		}
		fsw.log.Info("watching directory", "dir", dir)
	}

	fsw.loop.Add(1)
	go fsw.processEvents()

	return nil
}

// Stop stops the watcher and closes Events once no timer can fire.
func (fsw *FileSystemWatcher) Stop() error {
	var err error
	fsw.stopOnce.Do(func() {
		close(fsw.done)
		err = fsw.watcher.Close()
		fsw.loop.Wait()

		fsw.mu.Lock()
		for path, p := range fsw.pending {
			if p.timer.Stop() {
				fsw.timers.Done()
			}
			delete(fsw.pending, path)
		}
		fsw.mu.Unlock()

		fsw.timers.Wait()
		close(fsw.Events)
	})
	return err
}

func (fsw *FileSystemWatcher) processEvents() {
	defer fsw.loop.Done()
	for {
		select {
		case event, ok := <-fsw.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				// The old name of a moved file; the new name arrives as Create.
				continue
			default:
				continue
			}

			if !fsw.match(event.Name) {
				continue
			}
			fsw.schedule(event.Name, operation)

		case err, ok := <-fsw.watcher.Errors:
			if !ok {
				return
			}
			fsw.log.Warn("filesystem watcher error", "error", err)

		case <-fsw.done:
			return
		}
	}
}

// schedule (re)arms the settle timer for path. A created file stays
// "created" through the writes that follow.
func (fsw *FileSystemWatcher) schedule(path, operation string) {
	fsw.mu.Lock()
	defer fsw.mu.Unlock()

	if p, ok := fsw.pending[path]; ok {
		if p.operation != "created" {
			p.operation = operation
		}
		if p.timer.Stop() {
			p.timer.Reset(fsw.settle)
			return
		}
		operation = p.operation
	}

	p := &pendingFrame{operation: operation}
	fsw.timers.Add(1)
	p.timer = time.AfterFunc(fsw.settle, func() {
		defer fsw.timers.Done()
		fsw.emit(path, p)
	})
	fsw.pending[path] = p
}

func (fsw *FileSystemWatcher) emit(path string, p *pendingFrame) {
	fsw.mu.Lock()
	if fsw.pending[path] != p {
		fsw.mu.Unlock()
		return
	}
	delete(fsw.pending, path)
	fsw.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	select {
	case <-fsw.done:
		return
	default:
	}

	select {
	case fsw.Events <- FileSystemEvent{Path: path, Operation: p.operation, Time: time.Now(), Size: info.Size()}:
	default:
		fsw.log.Warn("event buffer full, dropping frame", "path", path)
	}
}

// NewRateLimiter turns a per-minute budget into a limiter. A budget of zero or
// less disables limiting.
func NewRateLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
}

// Throttle forwards events from in, waiting on limiter between them. The
// returned channel closes when in closes or ctx is done.
func Throttle(ctx context.Context, in <-chan FileSystemEvent, limiter *rate.Limiter) <-chan FileSystemEvent {
	out := make(chan FileSystemEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
