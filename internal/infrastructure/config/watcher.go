package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/service"
)

// DriverConfigWatcher watches a config.yaml file for changes and hot-reloads
// the driver's runtime knobs (iteration/depth/retry budgets) while a server
// is running. Model selection and provider wiring are not hot-reloaded —
// only the fields service.DriverConfig exposes.
type DriverConfigWatcher struct {
	path string

	mu     sync.RWMutex
	config service.DriverConfig

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	logger  *zap.Logger
}

// NewDriverConfigWatcher creates a watcher seeded with whatever driver
// section is currently on disk at path, falling back to production
// defaults if the file is missing or unparsable.
func NewDriverConfigWatcher(path string, logger *zap.Logger) *DriverConfigWatcher {
	w := &DriverConfigWatcher{
		path:   path,
		config: service.DefaultDriverConfig(),
		stopCh: make(chan struct{}),
		logger: logger.With(zap.String("component", "config-watcher")),
	}
	if err := w.reload(); err != nil {
		w.logger.Warn("initial driver config load failed, using defaults", zap.Error(err))
	}
	return w
}

// Config returns the current driver config (thread-safe).
func (w *DriverConfigWatcher) Config() service.DriverConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start begins watching the config file's directory for writes in a
// background goroutine and returns; Stop ends the watch. Debounces rapid
// successive writes by 200ms.
func (w *DriverConfigWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	w.logger.Info("driver config watcher started", zap.String("path", w.path))

	go w.loop()
	return nil
}

func (w *DriverConfigWatcher) loop() {
	defer w.watcher.Close()

	var debounce *time.Timer
	const debounceDelay = 200 * time.Millisecond
	target := filepath.Base(w.path)

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			w.logger.Info("driver config watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := w.reload(); err != nil {
					w.logger.Warn("driver config reload failed", zap.Error(err))
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Stop halts the watcher goroutine.
func (w *DriverConfigWatcher) Stop() {
	close(w.stopCh)
}

func (w *DriverConfigWatcher) reload() error {
	v := viper.New()
	v.SetConfigFile(w.path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	var cfg DriverConfig
	if err := v.UnmarshalKey("driver", &cfg); err != nil {
		return err
	}

	next := cfg.ToService()
	if next.SystemPrompt == "" {
		next.SystemPrompt = service.DefaultDriverConfig().SystemPrompt
	}

	w.mu.Lock()
	w.config = next
	w.mu.Unlock()

	w.logger.Info("driver config reloaded",
		zap.Int("max_iterations", next.MaxIterations),
		zap.Int("max_depth", next.MaxDepth),
	)
	return nil
}
