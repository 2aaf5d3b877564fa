package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pierrec/xxHash/xxHash64"
	log "github.com/sirupsen/logrus"
)

const defaultDebounce = 250 * time.Millisecond

// Reloader is notified when the credentials file changes on disk.
type Reloader interface {
	Load(ctx context.Context) error
}

// Watcher reloads credentials when another process replaces the credentials file.
type Watcher struct {
	path     string
	reloader Reloader
	debounce time.Duration
	fs       *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	lastHash uint64
	hasHash  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher watches the directory holding path.
func NewWatcher(path string, reloader Reloader) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, dirMode); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("create credentials directory: %w", err)
	}
	if err = fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{path: filepath.Clean(path), reloader: reloader, debounce: defaultDebounce, fs: fsw}
	if sum, ok := fileHash(w.path); ok {
		w.lastHash, w.hasHash = sum, true
	}
	return w, nil
}

// Start processes events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processEvents(ctx)
	}()
}

// Stop ends event processing and releases the watcher.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.fs.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("credentials watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

// reload skips content it has already seen, which includes this process's own writes
// once they have been loaded.
func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sum, ok := fileHash(w.path)
	if !ok {
		return
	}
	w.mu.Lock()
	unchanged := w.hasHash && sum == w.lastHash
	w.lastHash, w.hasHash = sum, true
	w.mu.Unlock()
	if unchanged {
		return
	}
	if err := w.reloader.Load(ctx); err != nil {
		log.WithError(err).Error("failed to reload credentials after file change")
		return
	}
	log.WithField("path", w.path).Info("credentials reloaded from disk")
}

func fileHash(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Debug("read credentials file for change detection")
		}
		return 0, false
	}
	return xxHash64.Checksum(data, 0), true
}
