// Package dispatch carries the fire-and-forget side effects that follow a
// committed lifecycle transition: reviewer notifications, preview recipe
// sync, and pushes to the remote recipe collection.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Kind names the side effect a task requests.
type Kind string

const (
	// KindNotify asks reviewers to look at a pending change.
	KindNotify Kind = "notify"
	// KindPreviewSync rewrites (or removes) the preview recipe of an experiment.
	KindPreviewSync Kind = "preview_sync"
	// KindPush publishes (or retracts) the live recipe of an experiment.
	KindPush Kind = "push"
)

// Task is one enqueued side effect. An empty Payload on a sync or push task
// means the recipe should be removed from the collection.
type Task struct {
	Kind         Kind            `json:"kind"`
	ExperimentID string          `json:"experiment_id"`
	Slug         string          `json:"slug"`
	Operation    string          `json:"operation"`
	Actor        string          `json:"actor"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// Dispatcher accepts tasks. Implementations must not block on remote work
// longer than the caller's context allows.
type Dispatcher interface {
	Enqueue(ctx context.Context, task Task) error
}

// Func adapts a function to the Dispatcher interface.
type Func func(ctx context.Context, task Task) error

// Enqueue calls f.
func (f Func) Enqueue(ctx context.Context, task Task) error { return f(ctx, task) }

// Noop discards every task.
type Noop struct{}

// Enqueue implements Dispatcher.
func (Noop) Enqueue(context.Context, Task) error { return nil }

// Recorder keeps every task in memory. It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	tasks []Task
	// Err, when set, is returned from every Enqueue after the task is recorded.
	Err error
}

// Enqueue implements Dispatcher.
func (r *Recorder) Enqueue(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return r.Err
}

// Tasks returns a copy of the recorded tasks, optionally filtered by kind.
func (r *Recorder) Tasks(kinds ...Kind) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if len(kinds) == 0 || containsKind(kinds, task.Kind) {
			out = append(out, task)
		}
	}
	return out
}

// Reset drops all recorded tasks.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.tasks = nil
	r.mu.Unlock()
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, candidate := range kinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// Fanout delivers every task to all sinks concurrently and reports the first failure.
type Fanout struct {
	sinks []Dispatcher
}

// NewFanout builds a Fanout over the non-nil sinks.
func NewFanout(sinks ...Dispatcher) *Fanout {
	f := &Fanout{}
	for _, sink := range sinks {
		if sink != nil {
			f.sinks = append(f.sinks, sink)
		}
	}
	return f
}

// Enqueue implements Dispatcher.
func (f *Fanout) Enqueue(ctx context.Context, task Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range f.sinks {
		g.Go(func() error {
			return sink.Enqueue(gctx, task)
		})
	}
	return g.Wait()
}
