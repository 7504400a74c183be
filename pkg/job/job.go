// Package job runs dataset builds in the background.
//
// A Runner allows one build per output directory at a time. Each Job relays
// progress events over a buffered channel, can be cancelled, and reports
// its result once finished.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/dataset-maker/pkg/dataset"
	"github.com/menta2k/dataset-maker/pkg/progress"
)

// DefaultEventBuffer is the size of a job's event channel
const DefaultEventBuffer = 256

// ErrBusy is returned when a build for the same output directory is running
var ErrBusy = errors.New("a build for this output directory is already running")

// BuildFunc performs the build; dataset.Build by default
type BuildFunc func(ctx context.Context, opts dataset.Options) (*dataset.Result, error)

// Runner starts and tracks background builds
type Runner struct {
	mu     sync.Mutex
	active map[string]*Job
	logger *slog.Logger
	build  BuildFunc
	buffer int
}

// NewRunner creates a Runner; a nil logger uses slog.Default
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		active: make(map[string]*Job),
		logger: logger,
		build:  dataset.Build,
		buffer: DefaultEventBuffer,
	}
}

// WithBuildFunc replaces the build step, mainly for tests
func (r *Runner) WithBuildFunc(fn BuildFunc) *Runner {
	r.build = fn
	return r
}

// Job is one background build
type Job struct {
	ID        string
	OutputDir string
	StartedAt time.Time

	events *progress.Channel
	cancel context.CancelFunc
	done   chan struct{}

	result *dataset.Result
	err    error
}

func outputKey(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

// Start launches a build of opts in a new goroutine. The category list is
// copied before Start returns, so later catalog edits do not affect the job.
func (r *Runner) Start(ctx context.Context, opts dataset.Options) (*Job, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	key := outputKey(opts.OutputDir)

	r.mu.Lock()
	if _, busy := r.active[key]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", opts.OutputDir, ErrBusy)
	}
	jctx, cancel := context.WithCancel(ctx)
	j := &Job{
		ID:        uuid.NewString(),
		OutputDir: opts.OutputDir,
		StartedAt: time.Now(),
		events:    progress.NewChannel(r.buffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.active[key] = j
	r.mu.Unlock()

	opts.Categories = append([]string(nil), opts.Categories...)
	opts.Reporter = progress.Multi{opts.Reporter, j.events}
	opts.Progress = nil
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	opts.Logger = opts.Logger.With(slog.String("job", j.ID))

	r.logger.Info("dataset job started",
		slog.String("job", j.ID),
		slog.String("source", opts.SourceDir),
		slog.String("output", opts.OutputDir),
	)

	go r.run(jctx, key, j, opts)
	return j, nil
}

func (r *Runner) run(ctx context.Context, key string, j *Job, opts dataset.Options) {
	defer func() {
		if p := recover(); p != nil {
			j.err = fmt.Errorf("dataset job panicked: %v", p)
		}
		j.cancel()
		j.events.Close()

		r.mu.Lock()
		delete(r.active, key)
		r.mu.Unlock()

		r.logJob(j)
		close(j.done)
	}()

	j.result, j.err = r.build(ctx, opts)
}

func (r *Runner) logJob(j *Job) {
	attrs := []any{
		slog.String("job", j.ID),
		slog.Duration("elapsed", time.Since(j.StartedAt)),
	}
	if dropped := j.events.Dropped(); dropped > 0 {
		attrs = append(attrs, slog.Int("dropped_events", dropped))
	}
	if j.err != nil {
		r.logger.Error("dataset job failed", append(attrs, slog.Any("error", j.err))...)
		return
	}
	r.logger.Info("dataset job finished", append(attrs,
		slog.String("status", string(j.result.Status)),
		slog.String("summary", j.result.Summary()),
	)...)
}

// Running reports whether a build for outputDir is in flight
func (r *Runner) Running(outputDir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[outputKey(outputDir)]
	return ok
}

// Active returns the ids of the jobs in flight, sorted
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for _, j := range r.active {
		ids = append(ids, j.ID)
	}
	sort.Strings(ids)
	return ids
}

// Events returns the progress channel; it is closed when the job finishes.
// Events that do not fit in the buffer are dropped.
func (j *Job) Events() <-chan progress.Event { return j.events.C }

// Cancel asks the job to stop after the current file
func (j *Job) Cancel() { j.cancel() }

// Done is closed when the job has finished
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes and returns its outcome
func (j *Job) Wait() (*dataset.Result, error) {
	<-j.done
	return j.result, j.err
}
