// pkg/daemonsim/logs.go
package daemonsim

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lightforgemedia/go-ggconsole/pkg/filewatcher"
)

// LogTailer publishes a directory of *.log files through a Server: the file
// names become the log list and appended lines become COMPONENT_LOGS pushes
// for subscribeToComponentLogs(<file name>).
type LogTailer struct {
	server  *Server
	dir     string
	watcher *filewatcher.FileWatcher

	mu      sync.Mutex
	offsets map[string]int64
	partial map[string]string
}

// NewLogTailer prepares a tailer for dir. Extra options override the
// watcher defaults, e.g. filewatcher.WithDebounce.
func NewLogTailer(s *Server, dir string, opts ...filewatcher.Option) (*LogTailer, error) {
	base := []filewatcher.Option{
		filewatcher.WithLogger(s.config.logger),
		filewatcher.WithDirs(dir),
		filewatcher.WithPatterns("*.log"),
	}
	w, err := filewatcher.New(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("log tailer: %w", err)
	}
	t := &LogTailer{
		server:  s,
		dir:     dir,
		watcher: w,
		offsets: make(map[string]int64),
		partial: make(map[string]string),
	}
	w.AddCallback(t.onEvent)
	return t, nil
}

// Start publishes the current log list and begins tailing. Content already
// in the files is not replayed.
func (t *LogTailer) Start() error {
	names, err := t.scan()
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, name := range names {
		if info, err := os.Stat(filepath.Join(t.dir, name)); err == nil {
			t.offsets[name] = info.Size()
		}
	}
	t.mu.Unlock()
	t.server.SetLogList(names)
	return t.watcher.Start()
}

// Stop ends tailing.
func (t *LogTailer) Stop() error {
	return t.watcher.Stop()
}

func (t *LogTailer) scan() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("log tailer: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && t.watcher.Matches(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *LogTailer) onEvent(ev filewatcher.Event) {
	name := filepath.Base(ev.Name)
	logger := t.server.config.logger

	if ev.Op.Has(filewatcher.Create) || ev.Op.Has(filewatcher.Remove) {
		if ev.Op.Has(filewatcher.Remove) {
			t.mu.Lock()
			delete(t.offsets, name)
			delete(t.partial, name)
			t.mu.Unlock()
		}
		if names, err := t.scan(); err == nil {
			t.server.SetLogList(names)
		} else {
			logger.Warn(fmt.Sprintf("Daemon: %v", err))
		}
	}
	if ev.Op.Has(filewatcher.Create) || ev.Op.Has(filewatcher.Write) {
		for _, line := range t.readNew(name) {
			if err := t.server.PushLogLine(name, line); err != nil {
				logger.Warn(fmt.Sprintf("Daemon: Failed to push line of %s: %v", name, err))
			}
		}
	}
}

// readNew returns the complete lines appended to name since the last read.
// A truncated file is read from the start.
func (t *LogTailer) readNew(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(filepath.Join(t.dir, name))
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil
	}
	offset := t.offsets[name]
	if info.Size() < offset {
		offset = 0
		t.partial[name] = ""
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil
	}
	t.offsets[name] = offset + int64(len(data))

	text := t.partial[name] + string(data)
	lines := strings.Split(text, "\n")
	t.partial[name] = lines[len(lines)-1]
	var out []string
	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
