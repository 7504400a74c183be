// Package progress carries dataset build progress to whoever is watching.
package progress

import (
	"context"
	"log/slog"
	"sync"
)

// Stage labels a phase of a dataset build
type Stage string

const (
	StageAnalyzing  Stage = "analyzing"
	StageConverting Stage = "converting"
	StageDescriptor Stage = "descriptor"
	StageDone       Stage = "done"
)

// Percent is the coarse completion value of each stage
func (s Stage) Percent() int {
	switch s {
	case StageAnalyzing:
		return 10
	case StageConverting:
		return 50
	case StageDescriptor:
		return 80
	case StageDone:
		return 100
	}
	return 0
}

// Event is one progress notification. Step increases monotonically within a
// build; Total is the expected number of steps, or 0 when unknown.
type Event struct {
	Step    int
	Total   int
	Stage   Stage
	Message string
}

// Reporter receives progress events. Implementations must be safe to call
// from the worker goroutine.
type Reporter interface {
	Report(Event)
}

// Func adapts a plain function to Reporter
type Func func(Event)

func (f Func) Report(e Event) { f(e) }

// Nop discards events
type Nop struct{}

func (Nop) Report(Event) {}

// Channel forwards events to a buffered channel without blocking; events
// are dropped when the buffer is full
type Channel struct {
	C       chan Event
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewChannel creates a Channel reporter with the given buffer size
func NewChannel(size int) *Channel {
	return &Channel{C: make(chan Event, size)}
}

func (c *Channel) Report(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.C <- e:
	default:
		c.dropped++
	}
}

// Close closes the channel; later events are ignored
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.C)
	}
}

// Dropped returns how many events did not fit in the buffer
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Log writes events to a structured logger at debug level, stage changes at info
type Log struct {
	Logger *slog.Logger
	last   Stage
	mu     sync.Mutex
}

func (l *Log) Report(e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l.mu.Lock()
	changed := e.Stage != l.last
	l.last = e.Stage
	l.mu.Unlock()

	level := slog.LevelDebug
	if changed {
		level = slog.LevelInfo
	}
	logger.Log(context.Background(), level, e.Message,
		slog.String("stage", string(e.Stage)),
		slog.Int("step", e.Step),
		slog.Int("total", e.Total),
	)
}

// Multi fans events out to several reporters
type Multi []Reporter

func (m Multi) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

// Counter stamps outgoing events with a monotonically increasing step
type Counter struct {
	mu    sync.Mutex
	step  int
	total int
	out   Reporter
}

// NewCounter wraps out; a nil out discards events
func NewCounter(out Reporter, total int) *Counter {
	if out == nil {
		out = Nop{}
	}
	return &Counter{out: out, total: total}
}

// SetTotal updates the expected step count
func (c *Counter) SetTotal(total int) {
	c.mu.Lock()
	c.total = total
	c.mu.Unlock()
}

// Emit advances the step and reports stage with message
func (c *Counter) Emit(stage Stage, message string) {
	c.mu.Lock()
	c.step++
	e := Event{Step: c.step, Total: c.total, Stage: stage, Message: message}
	c.mu.Unlock()
	c.out.Report(e)
}

// Step returns the last emitted step
func (c *Counter) Step() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}
