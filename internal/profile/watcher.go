package profile

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"keymapd/internal/logging"
)

// Watcher reloads the active profile when its artifact or the device
// manifest changes on disk. Editors and compilers replace files with
// rename-over-write, so the watch is on the directory, filtered by name.
type Watcher struct {
	manager  *Manager
	debounce time.Duration
	log      *logging.Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending *time.Timer
}

// NewWatcher starts watching the manager's profile directory.
func NewWatcher(m *Manager, debounce time.Duration, log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(m.dir); err != nil {
		fsw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		manager:  m,
		debounce: debounce,
		log:      log.WithComponent("profile-watch"),
		fsw:      fsw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if !w.relevant(filepath.Base(ev.Name)) {
				continue
			}
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

// relevant reports whether a changed file can affect the running profile.
func (w *Watcher) relevant(name string) bool {
	if w.manager.manifestName != "" && name == w.manager.manifestName {
		return true
	}
	return strings.HasSuffix(name, ArtifactSuffix)
}

// schedule arms the debounce timer, restarting it on each new event so a
// burst of writes produces one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	active, _ := w.manager.Active()
	if active == "" {
		return
	}
	if _, err := w.manager.Reload("watch"); err != nil {
		// The previous rule set stays in effect on a bad reload.
		w.log.Warn("reload failed, keeping current profile", "error", err)
		return
	}
	w.log.Info("profile reloaded", "profile", active)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsw.Close()
	<-w.done
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return err
}
