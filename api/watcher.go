/*
watcher.go - Legislation hot reload

PURPOSE:
  Watches a country package directory and reloads it when its files change.
  A successful reload swaps the package served by the Handler; a failed one
  is logged and the previous legislation keeps serving.

DESIGN:
  - fsnotify watches the package directory and all its subdirectories
  - Events are debounced: editors write files in several steps, and one
    reload follows a burst of changes
  - Requests in flight finish on the package they started with

USAGE:
  watcher, err := NewWatcher(dir, handler)
  if err != nil {
      return err
  }
  watcher.Start()
  // ... later
  watcher.Stop()

SEE ALSO:
  - handlers.go: Handler.SetPackage
  - countrypkg/package.go: Load
*/
package api

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/warp/microsim/countrypkg"
)

// Watcher reloads a country package on file changes.
type Watcher struct {
	Dir      string
	Handler  *Handler
	Debounce time.Duration
	Logger   *slog.Logger

	// Load reads the package. Defaults to countrypkg.Load.
	Load func(dir string) (*countrypkg.Package, error)

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewWatcher creates a watcher for dir serving into h.
func NewWatcher(dir string, h *Handler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		Dir:      dir,
		Handler:  h,
		Debounce: 250 * time.Millisecond,
		Logger:   h.Logger,
		Load: func(dir string) (*countrypkg.Package, error) {
			return countrypkg.Load(dir, countrypkg.WithLogger(h.Logger))
		},
		watcher: fw,
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := filepath.WalkDir(w.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.started = true
	w.wg.Add(1)
	go w.run()

	w.Logger.Info("watching country package", "dir", w.Dir, "debounce", w.Debounce)
	return nil
}

// Stop stops the watcher and waits for a reload in progress.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		w.watcher.Close()
		return
	}
	close(w.stop)
	w.wg.Wait()
	w.watcher.Close()
	w.started = false
	w.Logger.Info("stopped watching country package", "dir", w.Dir)
}

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.Debounce / 2)
	defer ticker.Stop()

	var pending time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.watcher.Add(event.Name)
				}
			}
			pending = time.Now()

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.Debounce {
				pending = time.Time{}
				w.Reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Logger.Warn("watch error", "dir", w.Dir, "error", err)

		case <-w.stop:
			return
		}
	}
}

// Reload loads the package now and swaps it in on success.
func (w *Watcher) Reload() error {
	start := time.Now()
	pkg, err := w.Load(w.Dir)
	if err != nil {
		w.Logger.Error("country package reload failed, keeping previous legislation",
			"dir", w.Dir, "error", err)
		return err
	}
	w.Handler.SetPackage(pkg)
	w.Logger.Info("country package reloaded",
		"dir", w.Dir,
		"variables", len(pkg.System.Variables()),
		"duration", time.Since(start))
	return nil
}
