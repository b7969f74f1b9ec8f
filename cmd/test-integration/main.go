package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"skyplate/internal/config"
	"skyplate/internal/fsutil"
	"skyplate/internal/logging"
	"skyplate/internal/pipeline"
	"skyplate/internal/storage"
	"skyplate/internal/tasks"
)

// Manual end-to-end check against a real solve-field install: every frame
// dropped into the watch directory within 60 seconds is solved and stored.
func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: test-integration <watch-dir>")
	}
	dir := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	cfg.Paths.DatabasePath = filepath.Join(os.TempDir(), "skyplate_integration.db")
	logger := logging.New("debug", "text")

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	tools := tasks.NewToolManager(cfg)
	if err := tools.RequireSolver(); err != nil {
		log.Fatal("Solver not usable:", err)
	}
	for _, idx := range tools.CheckIndexes() {
		fmt.Printf("Index dir %s: %d files\n", idx.Dir, len(idx.Files))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pipe, err := pipeline.New(ctx, cfg, logger, store)
	if err != nil {
		log.Fatal("Failed to create pipeline:", err)
	}
	defer pipe.Stop()

	watcher, err := tasks.NewFileSystemWatcher([]string{dir}, tasks.WithLogger(logger))
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	if err := watcher.Start(); err != nil {
		log.Fatal("Failed to start watcher:", err)
	}
	defer watcher.Stop()

	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	fmt.Printf("Watching %s for 60 seconds...\n", dir)
	solved, failed := 0, 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nDone: %d solved, %d failed\n", solved, failed)
			recs, _ := store.RecentSolutions(solved)
			for _, r := range recs {
				fmt.Printf("  %s  ra=%.5f dec=%.5f stars=%d\n", r.InputPath, r.Solution.RA, r.Solution.Dec, r.StarCount)
			}
			return
		case ev := <-watcher.Events:
			job := pipeline.Job{
				ID:        fmt.Sprintf("it-%d", time.Now().UnixNano()),
				Type:      pipeline.JobSolve,
				InputPath: ev.Path,
				Output:    fsutil.SolutionPath(ev.Path),
			}
			if err := pipe.Submit(job); err != nil {
				fmt.Printf("submit %s: %v\n", ev.Path, err)
			}
		case res := <-results:
			if res.Error != nil {
				failed++
				fmt.Printf("FAIL %s: %v\n", res.Job.InputPath, res.Error)
				continue
			}
			solved++
			fmt.Printf("OK   %s -> %v\n", res.Job.InputPath, res.Meta["output"])
		}
	}
}
