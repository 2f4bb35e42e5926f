package config

import (
	"os"
	"sync"
	"time"

	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

const defaultWatchInterval = 5 * time.Second

// FileWatcher reloads a mounted config file (ConfigMap) when it changes.
type FileWatcher struct {
	configPath string
	interval   time.Duration
	onChange   func(*Config)
	stopCh     chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// NewFileWatcher creates a watcher for configPath
// (e.g., /etc/config/sockops.yaml).
func NewFileWatcher(configPath string, onChange func(*Config)) *FileWatcher {
	return &FileWatcher{
		configPath: configPath,
		interval:   defaultWatchInterval,
		onChange:   onChange,
		stopCh:     make(chan struct{}),
	}
}

// Start starts watching. The current file is treated as already loaded.
func (w *FileWatcher) Start() {
	var lastModTime time.Time
	if info, err := os.Stat(w.configPath); err == nil {
		lastModTime = info.ModTime()
	}
	w.wg.Add(1)
	go w.watch(lastModTime)
}

// Stop stops the watcher
func (w *FileWatcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
	})
}

func (w *FileWatcher) watch(lastModTime time.Time) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(w.configPath)
			if err != nil {
				continue // File doesn't exist yet
			}
			if !info.ModTime().After(lastModTime) {
				continue
			}
			lastModTime = info.ModTime()

			xlog.Infof("Config file %s changed, reloading...", w.configPath)
			cfg, err := LoadConfigFromFile(w.configPath)
			if err != nil {
				xlog.Errorf("Config reload failed: %v", err)
				continue
			}
			w.onChange(cfg)
		}
	}
}

// ConfigPaths are the standard ConfigMap mount points, in lookup order.
var ConfigPaths = []string{
	"/etc/config/sockops.yaml",
	"/etc/sockops/config.yaml",
	"/config/sockops.yaml",
}

// Load reads path, or SOCKOPS_CONFIG, or the first existing ConfigMap
// file, falling back to env vars. It returns the path used, or "" for
// env-only config.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = os.Getenv("SOCKOPS_CONFIG")
	}
	if path != "" {
		cfg, err := LoadConfigFromFile(path)
		return cfg, path, err
	}
	for _, path := range ConfigPaths {
		if _, err := os.Stat(path); err == nil {
			xlog.Infof("Loading config from ConfigMap: %s", path)
			cfg, err := LoadConfigFromFile(path)
			return cfg, path, err
		}
	}
	return LoadConfig(), "", nil
}
