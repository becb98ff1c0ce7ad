package bootstrap

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// DefaultDebounce is how long the watcher waits after the last write before
// re-applying the seed file. Editors often write a file in several steps.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-applies a seed file whenever it changes
type Watcher struct {
	path     string
	loader   *Loader
	logger   *observability.Logger
	fs       *fsnotify.Watcher
	debounce time.Duration

	// applied, when set, is called after every reload attempt
	applied func(*Result, error)
}

// NewWatcher watches the directory holding path. Watching the directory
// rather than the file survives editors that replace the file on save.
func NewWatcher(path string, loader *Loader, logger *observability.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seed file: %w", err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		loader:   loader,
		logger:   logger.WithField("seed_file", abs),
		fs:       fs,
		debounce: DefaultDebounce,
	}, nil
}

// SetDebounce changes the quiet period before a reload
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run processes file events until ctx is done or the watcher is closed
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	w.logger.Info("watching seed file for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Clean(event.Name) != w.path {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("seed file changed")
			timer.Reset(w.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watcher error")
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	var res *Result
	err := observability.Guard(w.logger, "seed-watcher", func() error {
		doc, err := Load(w.path)
		if err != nil {
			return err
		}
		res, err = w.loader.Apply(observability.WithJob(ctx, "seed-reload"), doc)
		return err
	})

	switch {
	case err != nil:
		// the previous state stays in place; the next save retries
		w.logger.WithError(err).Error("failed to apply seed file")
	case res.Changed():
		w.logger.WithFields(map[string]interface{}{
			"organizations": res.Organizations,
			"principals":    res.Principals,
			"permissions":   res.Permissions,
			"roles_created": res.RolesCreated,
			"roles_updated": res.RolesUpdated,
			"grants":        res.Grants,
		}).Info("seed file applied")
	default:
		w.logger.Debug("seed file unchanged")
	}
	if w.applied != nil {
		w.applied(res, err)
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.fs.Close()
}
