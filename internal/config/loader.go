package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader manages configuration loading, watching, and atomic updates.
type Loader struct {
	mu             sync.Mutex
	configPath     string
	config         *Config
	watcher        *fsnotify.Watcher
	skipNextReload bool
	onChange       func(*Config) error
	logger         *zap.Logger
	stopChan       chan struct{}
	stopOnce       sync.Once
}

// NewLoader creates a new configuration loader with file watching.
func NewLoader(configPath string, logger *zap.Logger) (*Loader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Loader{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger.Named("config"),
		stopChan:   make(chan struct{}),
	}, nil
}

// Load loads the initial configuration from file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// StartWatching starts watching the configuration file for changes.
// The onChange callback is called with the freshly parsed configuration.
func (l *Loader) StartWatching(onChange func(*Config) error) error {
	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()

	if err := l.watcher.Add(l.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	go l.watchLoop()

	l.logger.Info("Started watching configuration file",
		zap.String("path", l.configPath))
	return nil
}

func (l *Loader) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				l.handleFileChange()
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("File watcher error", zap.Error(err))

		case <-l.stopChan:
			return
		}
	}
}

func (l *Loader) handleFileChange() {
	l.mu.Lock()
	if l.skipNextReload {
		l.skipNextReload = false
		l.mu.Unlock()
		return
	}
	onChange := l.onChange
	l.mu.Unlock()

	// Editors and atomic writers produce a burst of events; give the file a
	// moment to settle before parsing.
	time.Sleep(100 * time.Millisecond)

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		l.logger.Error("Failed to reload changed config, keeping previous",
			zap.Error(err))
		return
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()

	l.logger.Info("Configuration reloaded from file")

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			l.logger.Error("Config change handler failed", zap.Error(err))
		}
	}
}

// UpdateConfigAtomic applies updateFn to a copy of the current config and
// persists the result, suppressing the resulting watcher event.
func (l *Loader) UpdateConfigAtomic(updateFn func(*Config) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config == nil {
		return fmt.Errorf("no config loaded")
	}

	updated, err := copyConfig(l.config)
	if err != nil {
		return err
	}
	if err := updateFn(updated); err != nil {
		return err
	}
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("updated config is invalid: %w", err)
	}

	l.skipNextReload = true
	if err := SaveConfig(updated, l.configPath); err != nil {
		l.skipNextReload = false
		return err
	}

	l.config = updated
	return nil
}

// GetConfig returns the most recently loaded configuration.
func (l *Loader) GetConfig() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Stop stops watching and releases the watcher.
func (l *Loader) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopChan)
		err = l.watcher.Close()
	})
	return err
}

func copyConfig(cfg *Config) (*Config, error) {
	dup := *cfg
	dup.Server.Args = append([]string(nil), cfg.Server.Args...)
	if cfg.Logging != nil {
		logging := *cfg.Logging
		dup.Logging = &logging
	}
	return &dup, nil
}
