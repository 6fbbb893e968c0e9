package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/sensocto/sensocto-go/internal/logging"
)

// Watcher follows the node's .env file and applies the settings that are safe
// to change at runtime. Today that is the log level; everything else requires
// a restart.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time

	mu      sync.RWMutex
	current string // last applied log level
}

// NewWatcher builds a watcher for the env file named in cfg. Returns nil with
// no error when the config has no env path to follow.
func NewWatcher(cfg *Config) (*Watcher, error) {
	if cfg.EnvPath == "" {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:  cfg.EnvPath,
		watcher:  fsw,
		stopChan: make(chan struct{}),
		current:  cfg.LogLevel,
	}
	if stat, err := os.Stat(cfg.EnvPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start begins watching. The file's directory is watched because editors and
// provisioning tools replace the file rather than writing in place.
func (w *Watcher) Start() {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch env directory, falling back to polling")
		go w.poll()
		return
	}

	go w.watch()
	log.Info().Str("path", w.envPath).Msg("Watching env file for runtime changes")
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish before reading.
			time.Sleep(100 * time.Millisecond)
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Env watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				w.lastModTime = stat.ModTime()
				w.reload()
			}
		case <-w.stopChan:
			return
		}
	}
}

// reload re-reads the env file and applies runtime-safe settings.
func (w *Watcher) reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", w.envPath).Msg("Failed to re-read env file")
		}
		return
	}

	level := envMap["LOG_LEVEL"]
	if level == "" {
		return
	}

	w.mu.Lock()
	changed := level != w.current
	if changed {
		w.current = level
	}
	w.mu.Unlock()

	if changed {
		logging.SetLevel(level)
		log.Info().Str("level", level).Msg("Applied log level from env file")
	}
}

// CurrentLevel reports the last applied log level.
func (w *Watcher) CurrentLevel() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}
