package filewatcher

import (
	"log/slog"
	"time"
)

// Option configures a FileWatcher.
type Option func(*FileWatcher)

// WithLogger sets the logger; nil keeps slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(fw *FileWatcher) {
		if logger != nil {
			fw.logger = logger
		}
	}
}

// WithDirs replaces the watched directories. Subdirectories are not watched.
func WithDirs(dirs ...string) Option {
	return func(fw *FileWatcher) {
		if len(dirs) > 0 {
			fw.dirs = dirs
		}
	}
}

// WithPatterns limits events to base names matching any of the
// filepath.Match patterns, e.g. "*.log".
func WithPatterns(patterns ...string) Option {
	return func(fw *FileWatcher) {
		if len(patterns) > 0 {
			fw.patterns = patterns
		}
	}
}

// WithDebounce sets how long a file must stay quiet before its accumulated
// ops are delivered.
func WithDebounce(d time.Duration) Option {
	return func(fw *FileWatcher) {
		if d > 0 {
			fw.debounce = d
		}
	}
}
