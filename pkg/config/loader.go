package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reload outcomes reported to LoaderConfig.OnReload.
const (
	ReloadApplied  = "applied"
	ReloadRejected = "rejected"
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Path   string
	Logger *slog.Logger
	// Debounce coalesces the burst of events editors emit for one save.
	Debounce time.Duration
	// OnReload, when set, observes every reload attempt.
	OnReload func(status string)
}

// Loader keeps the current configuration of a file and optionally reloads it
// when the file changes. A reload that fails to parse or validate keeps the
// previous configuration.
type Loader struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onReload func(status string)

	mu      sync.RWMutex
	current *Config

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLoader creates a loader for cfg.Path and performs the initial load.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Path == "" {
		return nil, errors.New("config loader needs a path")
	}
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	l := &Loader{
		path:     absPath,
		logger:   logger,
		debounce: debounce,
		onReload: cfg.OnReload,
	}
	if _, err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load reads the file and makes it current when it is valid.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last valid configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch monitors the file's directory and calls onChange with every valid
// reload until Close.
func (l *Loader) Watch(onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.watchLoop(onChange)
	return nil
}

// Close stops watching.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.wg.Wait()
	l.watcher = nil
	return err
}

func (l *Loader) watchLoop(onChange func(*Config)) {
	defer l.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			// Editors often save by rename, so Create and Rename count too.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, func() { l.reload(onChange) })
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (l *Loader) reload(onChange func(*Config)) {
	select {
	case <-l.done:
		return
	default:
	}

	cfg, err := l.Load()
	if err != nil {
		l.logger.Error("config reload rejected, keeping previous configuration", "path", l.path, "error", err)
		l.report(ReloadRejected)
		return
	}
	l.logger.Info("configuration reloaded", "path", l.path, "pipelines", len(cfg.Pipelines))
	l.report(ReloadApplied)
	if onChange != nil {
		onChange(cfg)
	}
}

func (l *Loader) report(status string) {
	if l.onReload != nil {
		l.onReload(status)
	}
}
