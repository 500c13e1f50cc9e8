package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DropWatcher watches a directory for new bundle subdirectories and calls
// Importer for each one, debouncing rapid writes (a bundle tree lands as
// several files in quick succession, not atomically).
//
// Grounded on internal/core/mangle_watcher.go's watch-debounce-dispatch
// loop, generalized from single .mg files to whole bundle directories.
type DropWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dropDir     string
	importer    func(bundleDir string) error
	debounce    map[string]time.Time
	debounceDur time.Duration
	log         *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDropWatcher constructs a watcher over dropDir. importer is called once
// per settled bundle subdirectory (i.e. no further writes for debounceDur).
func NewDropWatcher(dropDir string, importer func(bundleDir string) error, log *zap.Logger) (*DropWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DropWatcher{
		watcher:     w,
		dropDir:     dropDir,
		importer:    importer,
		debounce:    make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		log:         log,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine. Non-blocking.
func (w *DropWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dropDir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dropDir); err != nil {
		return err
	}
	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *DropWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *DropWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("drop watcher error", zap.Error(err))
		case <-ticker.C:
			w.flushSettled()
		}
	}
}

func (w *DropWatcher) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.dropDir, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	top := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	bundleDir := filepath.Join(w.dropDir, top)

	w.mu.Lock()
	w.debounce[bundleDir] = time.Now()
	w.mu.Unlock()
}

func (w *DropWatcher) flushSettled() {
	w.mu.Lock()
	var settled []string
	now := time.Now()
	for dir, last := range w.debounce {
		if now.Sub(last) >= w.debounceDur {
			settled = append(settled, dir)
			delete(w.debounce, dir)
		}
	}
	w.mu.Unlock()

	for _, dir := range settled {
		if err := w.importer(dir); err != nil {
			w.log.Warn("bundle import failed", zap.String("bundle_dir", dir), zap.Error(err))
		}
	}
}
