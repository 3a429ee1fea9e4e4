package autocycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// LogWatcher signals writes to one file in a watched directory.
type LogWatcher struct {
	file    string
	watcher *fsnotify.Watcher
	changes chan struct{}
	stop    chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

// NewLogWatcher watches the directory holding file. Watching the directory
// survives the file being created after the watcher starts.
func NewLogWatcher(file string, logger *zap.Logger) (*LogWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := w.Add(filepath.Dir(file)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(file), err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWatcher{
		file:    filepath.Clean(file),
		watcher: w,
		changes: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start processes filesystem events until ctx ends or Stop is called.
func (w *LogWatcher) Start(ctx context.Context) {
	go w.process(ctx)
}

// Changes delivers at most one pending notification.
func (w *LogWatcher) Changes() <-chan struct{} { return w.changes }

// Stop releases the watcher. It is safe to call more than once.
func (w *LogWatcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

func (w *LogWatcher) process(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("event log watcher error", zap.Error(err))
		}
	}
}
