package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadDebounce coalesces the event bursts editors produce when saving.
const reloadDebounce = 500 * time.Millisecond

// Watcher watches the config file and invokes a callback with each freshly
// parsed, validated config. A file that fails to parse or validate keeps
// the running config and logs the problem; the watcher stays alive. The
// parent directory is watched, not the file, so rename-based saves keep
// working.
type Watcher struct {
	path     string
	onReload func(*Config)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWatcher starts watching path. onReload runs on the watcher goroutine.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onReload: onReload,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()

	log.Info().Str("path", path).Msg("Watching config file for changes")
	return w, nil
}

func (w *Watcher) loop() {
	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping running config")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Config reload invalid, keeping running config")
		return
	}

	log.Info().Str("path", w.path).Msg("Config file reloaded")
	w.onReload(cfg)
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		w.wg.Wait()
	})
}
