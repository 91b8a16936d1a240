package docstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// BatchFunc is called once a new batch file has settled in the drop folder.
type BatchFunc func(ctx context.Context, key string) error

// Watcher turns files dropped into a bucket directory into import requests.
// Editors and copies emit several events per file; events for the same file
// are folded until it has been quiet for the debounce interval.
type Watcher struct {
	store    *DirStore
	bucket   string
	onBatch  BatchFunc
	debounce time.Duration
	logger   *zap.Logger
}

func NewWatcher(store *DirStore, bucket string, onBatch BatchFunc, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:    store,
		bucket:   bucket,
		onBatch:  onBatch,
		debounce: debounce,
		logger:   logger.With(zap.String("bucket", bucket)),
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Join(w.store.Root(), w.bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create drop folder: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("Drop folder watcher started", zap.String("dir", dir))

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()
	pending := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			if !IsBatchFile(name) {
				continue
			}
			pending[name] = time.Now()

		case werr, ok := <-fw.Errors:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("fsnotify error", zap.Error(werr))

		case now := <-ticker.C:
			w.flush(ctx, pending, now)
		}
	}
}

func (w *Watcher) flush(ctx context.Context, pending map[string]time.Time, now time.Time) {
	var ready []string
	for name, last := range pending {
		if now.Sub(last) >= w.debounce {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	for _, name := range ready {
		delete(pending, name)
		key := Key(w.bucket, name)
		if err := w.onBatch(ctx, key); err != nil {
			w.logger.Error("Failed to request import", zap.String("key", key), zap.Error(err))
			continue
		}
		w.logger.Info("Import requested for dropped batch", zap.String("key", key))
	}
}
