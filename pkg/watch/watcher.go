// Package watch restarts a target whenever files under its roots change.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-go-golems/stackctl/pkg/events"
	"github.com/go-go-golems/stackctl/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultDebounce = 300 * time.Millisecond

var DefaultIgnore = []string{".git", "node_modules", ".stackctl", "*.swp", "*.swx", "*~", ".DS_Store"}

// Target is the thing a change cycle acts on.
type Target interface {
	Name() string
	Stop(ctx context.Context) error
	Rebuild(ctx context.Context) error
	Start(ctx context.Context) error
}

type Options struct {
	Roots []string
	// Ignore holds glob patterns matched against base names and root-relative
	// paths.
	Ignore   []string
	Debounce time.Duration
	// SkipInitial skips the rebuild and start that Run performs before
	// watching.
	SkipInitial bool
	Bus         *events.Bus
	Metrics     *metrics.Recorder
}

type TriggeredEvent struct {
	Target string `json:"target"`
	Path   string `json:"path"`
	Op     string `json:"op"`
}

type CycleEvent struct {
	Target   string        `json:"target"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Watcher struct {
	target Target
	opts   Options
	loop   *loop

	// dirs are directory roots watched recursively. files are single-file
	// roots; their parent directory is watched and events are filtered to
	// the exact path.
	dirs  []string
	files map[string]bool
}

func New(target Target, opts Options) (*Watcher, error) {
	if target == nil {
		return nil, errors.New("missing watch target")
	}
	if len(opts.Roots) == 0 {
		return nil, errors.New("no watch roots")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve watch root %s", r)
		}
		roots = append(roots, abs)
	}
	opts.Roots = roots
	opts.Ignore = append(append([]string{}, DefaultIgnore...), opts.Ignore...)
	w := &Watcher{target: target, opts: opts}
	w.loop = newLoop(opts.Debounce, w.cycle, opts.Metrics)
	return w, nil
}

// Run watches until ctx is cancelled, then stops the target.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "fsnotify")
	}
	defer func() { _ = fw.Close() }()
	w.dirs, w.files = nil, map[string]bool{}
	for _, root := range w.opts.Roots {
		if err := w.addRoot(fw, root); err != nil {
			return err
		}
	}

	go w.loop.run(ctx)
	if !w.opts.SkipInitial {
		if err := w.target.Rebuild(ctx); err != nil {
			log.Error().Str("target", w.target.Name()).Err(err).Msg("initial build failed; waiting for changes")
		} else if err := w.target.Start(ctx); err != nil {
			log.Error().Str("target", w.target.Name()).Err(err).Msg("initial start failed")
		}
	}
	log.Info().Str("target", w.target.Name()).Strs("roots", w.opts.Roots).Msg("watching for changes")

	for {
		select {
		case <-ctx.Done():
			w.loop.wait()
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return w.target.Stop(stopCtx)
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod || !w.covers(ev.Name) || w.Ignored(ev.Name) {
		return
	}
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.addRecursive(fw, ev.Name)
		}
	}
	log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("change detected")
	_ = w.opts.Bus.Publish(events.TopicWatch, events.TypeWatchTriggered, TriggeredEvent{Target: w.target.Name(), Path: ev.Name, Op: ev.Op.String()})
	w.loop.trigger()
}

func (w *Watcher) addRoot(fw *fsnotify.Watcher, root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return errors.Wrapf(err, "watch %s", root)
	}
	if fi.IsDir() {
		w.dirs = append(w.dirs, root)
		return w.addRecursive(fw, root)
	}
	// editors replace files by rename, which drops a watch on the file itself
	w.files[root] = true
	dir := filepath.Dir(root)
	if err := fw.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	return nil
}

// covers reports whether path falls under a directory root or is a file root.
func (w *Watcher) covers(path string) bool {
	if w.files[path] {
		return true
	}
	for _, dir := range w.dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return errors.Wrapf(err, "watch %s", root)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.Ignored(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			log.Warn().Str("dir", path).Err(err).Msg("watch add failed")
		}
		return nil
	})
}

// Ignored reports whether path matches an ignore pattern.
func (w *Watcher) Ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".#") || (strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#")) {
		return true
	}
	for _, pat := range w.opts.Ignore {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		for _, root := range w.opts.Roots {
			rel, err := filepath.Rel(root, path)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			rel = filepath.ToSlash(rel)
			if ok, _ := filepath.Match(pat, rel); ok {
				return true
			}
			if strings.HasPrefix(rel, strings.TrimSuffix(pat, "/")+"/") {
				return true
			}
		}
	}
	return false
}

// cycle is stop, rebuild, then start only when the rebuild succeeded.
func (w *Watcher) cycle(ctx context.Context) error {
	started := time.Now()
	name := w.target.Name()
	log.Info().Str("target", name).Msg("change detected; rebuilding")

	err := w.target.Stop(ctx)
	if err != nil {
		err = errors.Wrap(err, "stop")
	} else if err = w.target.Rebuild(ctx); err != nil {
		err = errors.Wrap(err, "rebuild")
		log.Error().Str("target", name).Err(err).Msg("rebuild failed; target left stopped")
	} else if ctx.Err() != nil {
		err = errors.Wrap(ctx.Err(), "cancelled before start")
	} else if err = w.target.Start(ctx); err != nil {
		err = errors.Wrap(err, "start")
	}

	ev := CycleEvent{Target: name, Duration: time.Since(started)}
	if err != nil {
		ev.Error = err.Error()
	} else {
		log.Info().Str("target", name).Dur("took", ev.Duration).Msg("restarted")
	}
	w.opts.Metrics.ObserveWatchCycle(name, err)
	_ = w.opts.Bus.Publish(events.TopicWatch, events.TypeWatchCycle, ev)
	return err
}

// loop debounces triggers and runs at most one cycle at a time. Triggers
// that arrive while a cycle runs collapse into a single follow-up cycle.
type loop struct {
	debounce time.Duration
	fn       func(context.Context) error
	metrics  *metrics.Recorder

	mu      sync.Mutex
	timer   *time.Timer
	req     chan struct{}
	running bool
	closed  bool
	idle    *sync.Cond
}

func newLoop(debounce time.Duration, fn func(context.Context) error, m *metrics.Recorder) *loop {
	l := &loop{debounce: debounce, fn: fn, metrics: m, req: make(chan struct{}, 1)}
	l.idle = sync.NewCond(&l.mu)
	return l
}

func (l *loop) trigger() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		if l.timer.Stop() {
			l.metrics.IncWatchCoalesced()
		}
	}
	l.timer = time.AfterFunc(l.debounce, l.fire)
}

func (l *loop) fire() {
	select {
	case l.req <- struct{}{}:
	default:
		l.metrics.IncWatchCoalesced()
	}
}

func (l *loop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.req:
		}
		if !l.begin(ctx) {
			return
		}
		for {
			_ = l.fn(ctx)
			// triggers fired during the cycle left at most one request queued
			select {
			case <-l.req:
				if ctx.Err() == nil {
					continue
				}
			default:
			}
			break
		}
		l.end()
	}
}

// begin marks a cycle as running unless wait has already closed the loop.
func (l *loop) begin(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || ctx.Err() != nil {
		return false
	}
	l.running = true
	return true
}

func (l *loop) end() {
	l.mu.Lock()
	l.running = false
	l.idle.Broadcast()
	l.mu.Unlock()
}

// wait closes the loop to new cycles and blocks until the current one, if
// any, has finished.
func (l *loop) wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for l.running {
		l.idle.Wait()
	}
}
