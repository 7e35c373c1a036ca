package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tiroq/diarscribe/internal/diaglog"
	"github.com/tiroq/diarscribe/internal/fileutil"
	"github.com/tiroq/diarscribe/internal/logger"
	"github.com/tiroq/diarscribe/internal/pidfile"
)

var watchWorkers int

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Transcribe every audio file dropped into an inbox directory",
	Long: `Watch an inbox directory and transcribe each audio file that appears in it.
Transcripts go to <dir>/transcripts (or output.dir); processed audio is moved
to <dir>/done and failed audio to <dir>/failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().IntVarP(&watchWorkers, "workers", "j", 0, "concurrent transcriptions (default: watch.workers)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := cfg.Watch.Dir
	if len(args) == 1 {
		dir = args[0]
	}
	if dir == "" {
		return fmt.Errorf("no inbox directory: pass one or set watch.dir")
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if cmd.Flags().Changed("workers") {
		cfg.Watch.Workers = watchWorkers
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	pidPath := pidfile.PathForDir(dir)
	pf, err := pidfile.New(pidPath, dir)
	if err != nil {
		return fmt.Errorf("%w (if no other watcher is running, remove %s)", err, pidPath)
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			log.Warn("failed to remove PID file", "path", pidPath, "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log, diag)
	if err != nil {
		return err
	}
	defer a.Close()

	outDir := cfg.Output.Dir
	if outDir == "" {
		outDir = filepath.Join(dir, "transcripts")
	}
	in := &inbox{
		dir:        dir,
		extensions: cfg.Watch.Extensions,
		workers:    cfg.Watch.Workers,
		log:        log,
		diag:       diag,
		handle: func(ctx context.Context, path string) error {
			_, err := a.process(ctx, path, outDir)
			return err
		},
	}
	log.Info("watching inbox", "dir", dir, "workers", in.workers, "out_dir", outDir, "pid_file", pidPath)
	return in.Run(ctx)
}

// inbox feeds audio files appearing in dir to handle, at most workers at a
// time. Finished files move to dir/done, failed ones to dir/failed.
type inbox struct {
	dir        string
	extensions []string
	workers    int
	handle     func(ctx context.Context, path string) error
	log        *logger.Logger
	diag       *diaglog.Logger

	settle       time.Duration // default 1s; how long a file size must hold still
	settleChecks int           // default 10; settle intervals before giving up until the next scan
	pollInterval time.Duration // default 30s; rescan in case events were missed

	mu      sync.Mutex
	pending map[string]bool
}

// Run blocks until ctx is canceled. Files already in dir are queued first.
func (in *inbox) Run(ctx context.Context) error {
	if in.settle <= 0 {
		in.settle = time.Second
	}
	if in.settleChecks <= 0 {
		in.settleChecks = 10
	}
	if in.pollInterval <= 0 {
		in.pollInterval = 30 * time.Second
	}
	in.log = logger.OrNop(in.log).With("component", diaglog.ComponentWatcher)
	if in.diag == nil {
		in.diag = diaglog.NewNoOp()
	}
	in.pending = make(map[string]bool)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	jobs := make(chan string, 256)
	g, gctx := errgroup.WithContext(ctx)
	for range max(1, in.workers) {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case path := <-jobs:
					in.work(gctx, path)
				}
			}
		})
	}

	g.Go(func() error {
		in.scan(gctx, jobs)
		ticker := time.NewTicker(in.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return fmt.Errorf("watcher closed")
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
					in.enqueue(gctx, jobs, event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return fmt.Errorf("watcher closed")
				}
				in.log.Warn("file watcher error", "error", err)
			case <-ticker.C:
				in.scan(gctx, jobs)
			}
		}
	})
	return g.Wait()
}

func (in *inbox) scan(ctx context.Context, jobs chan<- string) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.log.Warn("inbox scan failed", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			in.enqueue(ctx, jobs, filepath.Join(in.dir, e.Name()))
		}
	}
}

// enqueue queues path once, however many events it produces.
func (in *inbox) enqueue(ctx context.Context, jobs chan<- string, path string) {
	if !fileutil.IsAudioFile(path, in.extensions) {
		return
	}
	in.mu.Lock()
	if in.pending[path] {
		in.mu.Unlock()
		return
	}
	in.pending[path] = true
	in.mu.Unlock()

	select {
	case jobs <- path:
	case <-ctx.Done():
	}
}

func (in *inbox) work(ctx context.Context, path string) {
	defer func() {
		in.mu.Lock()
		delete(in.pending, path)
		in.mu.Unlock()
	}()

	if err := in.waitStable(ctx, path); err != nil {
		if errors.Is(err, errNotReady) {
			in.log.Debug("file not ready, will retry on next scan", "path", path)
			return
		}
		if ctx.Err() == nil && !errors.Is(err, os.ErrNotExist) {
			in.log.Warn("skipping file", "path", path, "error", err)
		}
		return
	}

	started := time.Now()
	err := in.handle(ctx, path)
	if ctx.Err() != nil {
		// Interrupted runs stay in the inbox and are picked up next time.
		return
	}

	dest := filepath.Join(in.dir, "done")
	if err != nil {
		dest = filepath.Join(in.dir, "failed")
		in.log.Error("transcription failed", "path", path, "error", err)
	} else {
		in.log.Info("transcribed", "path", path, "elapsed", time.Since(started))
	}
	moved, moveErr := fileutil.MoveInto(path, dest)
	if moveErr != nil {
		in.log.Error("failed to move processed file", "path", path, "error", moveErr)
	}

	entry := diaglog.LogEntry{
		Component: diaglog.ComponentWatcher,
		Event:     diaglog.EventInboxProcessed,
		Payload:   map[string]interface{}{"path": path, "moved_to": moved, "ok": err == nil},
	}
	if err != nil {
		entry.Reason = err.Error()
	}
	in.diag.Log(entry)
}

// errNotReady means a file kept growing, or stayed empty, for every settle
// check. It stays in the inbox and the next scan queues it again.
var errNotReady = errors.New("file not ready")

// waitStable returns once path has kept the same non-zero size for one
// settle interval, so half-copied files are not transcribed. It gives up
// with errNotReady after settleChecks intervals.
func (in *inbox) waitStable(ctx context.Context, path string) error {
	last := int64(-1)
	for range in.settleChecks {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == last && info.Size() > 0 {
			return nil
		}
		last = info.Size()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(in.settle):
		}
	}
	return fmt.Errorf("%s: %w", filepath.Base(path), errNotReady)
}
