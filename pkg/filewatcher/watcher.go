// Package filewatcher reports debounced create, write and remove events for
// files in a set of directories.
package filewatcher

import (
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op describes what happened to a file. Debounced events may combine ops.
type Op uint8

const (
	Create Op = 1 << iota
	Write
	Remove
)

// Has reports whether o includes op.
func (o Op) Has(op Op) bool { return o&op != 0 }

func (o Op) String() string {
	var s string
	for _, p := range []struct {
		op   Op
		name string
	}{{Create, "CREATE"}, {Write, "WRITE"}, {Remove, "REMOVE"}} {
		if o.Has(p.op) {
			if s != "" {
				s += "|"
			}
			s += p.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// Event is one debounced change to a watched file.
type Event struct {
	Name string
	Op   Op
}

// Callback receives debounced events.
type Callback func(Event)

type change struct {
	op Op
	at time.Time
}

// FileWatcher watches directories for file changes
type FileWatcher struct {
	watcher     *fsnotify.Watcher
	dirs        []string
	patterns    []string
	logger      *slog.Logger
	callbacks   []Callback
	callbacksMu sync.RWMutex
	debounce    time.Duration
	changes     map[string]change
	changesMu   sync.Mutex
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New creates a new FileWatcher
func New(opts ...Option) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  watcher,
		dirs:     []string{"."},
		patterns: []string{"*"},
		logger:   slog.Default(),
		debounce: 300 * time.Millisecond,
		changes:  make(map[string]change),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(fw)
	}

	return fw, nil
}

// AddCallback adds a callback to be called when files change
func (fw *FileWatcher) AddCallback(callback Callback) {
	fw.callbacksMu.Lock()
	defer fw.callbacksMu.Unlock()
	fw.callbacks = append(fw.callbacks, callback)
}

// Dirs returns the watched directories.
func (fw *FileWatcher) Dirs() []string {
	return append([]string(nil), fw.dirs...)
}

// Matches reports whether file passes the configured patterns.
func (fw *FileWatcher) Matches(file string) bool {
	return fw.matchesPattern(file)
}

// Start starts watching for file changes
func (fw *FileWatcher) Start() error {
	for _, dir := range fw.dirs {
		fw.logger.Info("Watching directory", "dir", dir)
		if err := fw.watcher.Add(dir); err != nil {
			return err
		}
	}

	fw.wg.Add(1)
	go fw.watchLoop()

	return nil
}

// Stop stops watching for file changes. No callback runs after Stop returns.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()
	ticker := time.NewTicker(fw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			op := translate(event.Op)
			if op == 0 || !fw.matchesPattern(event.Name) {
				continue
			}
			fw.changesMu.Lock()
			prev := fw.changes[event.Name]
			fw.changes[event.Name] = change{op: prev.op | op, at: time.Now()}
			fw.changesMu.Unlock()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("Watcher error", "error", err)
		case <-ticker.C:
			fw.processChanges()
		}
	}
}

func translate(op fsnotify.Op) Op {
	var out Op
	if op.Has(fsnotify.Create) {
		out |= Create
	}
	if op.Has(fsnotify.Write) {
		out |= Write
	}
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		out |= Remove
	}
	return out
}

// processChanges delivers changes that have been quiet for the debounce
// window, in file name order.
func (fw *FileWatcher) processChanges() {
	fw.changesMu.Lock()
	now := time.Now()
	var ready []Event
	for file, c := range fw.changes {
		if now.Sub(c.at) >= fw.debounce {
			ready = append(ready, Event{Name: file, Op: c.op})
			delete(fw.changes, file)
		}
	}
	fw.changesMu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })
	for _, ev := range ready {
		fw.logger.Info("File changed", "file", ev.Name, "op", ev.Op.String())
		fw.notifyCallbacks(ev)
	}
}

func (fw *FileWatcher) notifyCallbacks(ev Event) {
	fw.callbacksMu.RLock()
	defer fw.callbacksMu.RUnlock()

	for _, callback := range fw.callbacks {
		callback(ev)
	}
}

func (fw *FileWatcher) matchesPattern(file string) bool {
	base := filepath.Base(file)

	for _, pattern := range fw.patterns {
		matched, err := filepath.Match(pattern, base)
		if err != nil {
			fw.logger.Error("Pattern match error", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}

	return false
}
