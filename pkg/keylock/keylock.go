// Package keylock serializes work per resource key: at most one holder per (type, id), FIFO among contenders,
// different keys fully parallel.
package keylock

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Well-known key types.
const (
	TypePipelineRecord = "pipeline-record"
	TypeGitOpsSync     = "gitops-sync"
)

// Key identifies the resource being serialized on. It is derived at dispatch time and never persisted.
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string {
	return k.Type + ":" + k.ID
}

// PipelineKey is the key guarding state transitions of one pipeline record.
func PipelineKey(recordID string) Key {
	return Key{Type: TypePipelineRecord, ID: recordID}
}

// SyncKey is the key guarding GitOps synchronization of one environment.
func SyncKey(environmentID string) Key {
	return Key{Type: TypeGitOpsSync, ID: environmentID}
}

// Serializer runs fn while holding key exclusively.
type Serializer interface {
	RunExclusive(ctx context.Context, key Key, fn func(ctx context.Context) error) error
}

type entry struct {
	held    bool
	waiters []chan struct{}
	refs    int
}

// Local is an in-process Serializer. Entries are reference counted and dropped once nobody holds or
// waits on the key.
type Local struct {
	mu      sync.Mutex
	entries map[Key]*entry
	logger  *slog.Logger
}

// NewLocal creates an in-process serializer.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		entries: make(map[Key]*entry),
		logger:  logger.With("module", "keylock"),
	}
}

// RunExclusive blocks until key is free, then runs fn. The key is released when fn returns or panics.
// A caller whose ctx ends while queued leaves the queue and gets ctx.Err().
func (l *Local) RunExclusive(ctx context.Context, key Key, fn func(ctx context.Context) error) error {
	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	defer l.release(key)

	return fn(ctx)
}

// Len returns the number of keys currently held or waited on.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

func (l *Local) acquire(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}

	e.refs++

	if !e.held {
		e.held = true
		l.mu.Unlock()

		return nil
	}

	turn := make(chan struct{})
	e.waiters = append(e.waiters, turn)
	queued := len(e.waiters)
	l.mu.Unlock()

	l.logger.DebugContext(ctx, "Waiting for key", "key", key.String(), "position", queued)

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-turn:
		// Ownership was handed over while we were giving up; pass it on.
		l.mu.Unlock()
		l.release(key)

		return ctx.Err()
	default:
	}

	e.waiters = slices.DeleteFunc(e.waiters, func(ch chan struct{}) bool { return ch == turn })
	l.drop(key, e)
	l.mu.Unlock()

	return ctx.Err()
}

func (l *Local) release(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}

	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
	} else {
		e.held = false
	}

	l.drop(key, e)
}

// drop must be called with mu held.
func (l *Local) drop(key Key, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Local) queued(key Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok {
		return len(e.waiters)
	}

	return 0
}
