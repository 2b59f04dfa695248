package watch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Common errors returned by watcher operations.
var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrRootNotExist  = errors.New("watch root does not exist")
)

// Op represents the type of file system operation.
type Op uint32

const (
	// OpCreate indicates a file or directory was created.
	OpCreate Op = 1 << iota
	// OpWrite indicates a file was written to.
	OpWrite
	// OpRemove indicates a file or directory was removed.
	OpRemove
	// OpRename indicates a file or directory was renamed.
	OpRename
	// OpChmod indicates file permissions were changed.
	OpChmod
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch {
	case op.Has(OpCreate):
		return "CREATE"
	case op.Has(OpWrite):
		return "WRITE"
	case op.Has(OpRemove):
		return "REMOVE"
	case op.Has(OpRename):
		return "RENAME"
	case op.Has(OpChmod):
		return "CHMOD"
	default:
		return "UNKNOWN"
	}
}

// Has returns true if the operation includes the given op.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// Event represents a file system change that passed the policy.
type Event struct {
	// Path is the absolute path of the affected file.
	Path string

	// Rel is the path relative to the watch root, slash-separated.
	Rel string

	// Op is the operation that occurred.
	Op Op

	// Timestamp is when the event was observed.
	Timestamp time.Time
}

// Source delivers workspace change events. It exists so the client can be
// tested against a scripted sequence of events without touching the file
// system.
type Source interface {
	// Events returns the channel of policy-filtered change events.
	// The channel is closed when the source is closed.
	Events() <-chan Event

	// Errors returns the channel of watch errors.
	// The channel is closed when the source is closed.
	Errors() <-chan error

	// Close stops the source and releases resources.
	Close() error
}

// Config holds watcher configuration.
type Config struct {
	// BufferSize is the size of the event and error channels.
	// Default: 128.
	BufferSize int

	// Logger receives watch diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Option configures a watcher.
type Option func(*Config)

// WithBufferSize sets the channel buffer size.
func WithBufferSize(size int) Option {
	return func(c *Config) {
		c.BufferSize = size
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Recursive watches a workspace root and every non-excluded directory
// below it, applying a Policy to each raw event before delivery. Events
// are delivered in the order the file system reported them.
type Recursive struct {
	mu sync.Mutex

	root    string
	policy  *Policy
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	events chan Event
	errors chan error

	closed  bool
	closeCh chan struct{}
	doneWg  sync.WaitGroup
}

// NewRecursive creates a watcher rooted at root. The root and all
// non-excluded subdirectories are registered before the watcher returns,
// so no event for an existing directory is missed.
func NewRecursive(root string, policy *Policy, opts ...Option) (*Recursive, error) {
	cfg := Config{BufferSize: 128}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 128
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRootNotExist
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", absRoot)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Recursive{
		root:    absRoot,
		policy:  policy,
		watcher: fsw,
		logger:  logger,
		events:  make(chan Event, cfg.BufferSize),
		errors:  make(chan error, cfg.BufferSize),
		closeCh: make(chan struct{}),
	}

	if err := w.addTree(absRoot); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w.doneWg.Add(1)
	go w.processLoop()

	return w, nil
}

// Root returns the absolute watch root.
func (w *Recursive) Root() string {
	return w.root
}

// Events returns the event channel.
func (w *Recursive) Events() <-chan Event {
	return w.events
}

// Errors returns the error channel.
func (w *Recursive) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher.
func (w *Recursive) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.doneWg.Wait()

	close(w.events)
	close(w.errors)
	return err
}

// addTree registers dir and all non-excluded subdirectories.
func (w *Recursive) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, p)
		if relErr != nil {
			return nil
		}
		if rel != "." && w.policy.ExcludedDir(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		if addErr := w.watcher.Add(p); addErr != nil {
			w.logger.Warn("watch add failed", "path", p, "error", addErr)
		}
		return nil
	})
}

// processLoop converts raw fsnotify events and applies the policy.
func (w *Recursive) processLoop() {
	defer w.doneWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case fsEvent, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(fsEvent)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *Recursive) handleFSEvent(fsEvent fsnotify.Event) {
	op := convertOp(fsEvent.Op)
	if op == 0 {
		return
	}

	rel, err := filepath.Rel(w.root, fsEvent.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// New directories must be registered even when their own event is
	// filtered out, or changes below them would go unseen.
	if op.Has(OpCreate) {
		if info, statErr := os.Stat(fsEvent.Name); statErr == nil && info.IsDir() {
			if !w.policy.ExcludedDir(rel) {
				if addErr := w.addTree(fsEvent.Name); addErr != nil {
					w.logger.Warn("watch add failed", "path", fsEvent.Name, "error", addErr)
				}
			}
			return
		}
	}

	if !w.policy.Forward(rel, op) {
		return
	}

	w.sendEvent(Event{
		Path:      fsEvent.Name,
		Rel:       rel,
		Op:        op,
		Timestamp: time.Now(),
	})
}

// convertOp converts fsnotify.Op to watch.Op.
func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}

func (w *Recursive) sendEvent(event Event) {
	select {
	case w.events <- event:
	default:
		w.logger.Warn("event channel full, dropping event", "path", event.Path, "op", event.Op.String())
	}
}

func (w *Recursive) sendError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// Ensure Recursive implements Source.
var _ Source = (*Recursive)(nil)
