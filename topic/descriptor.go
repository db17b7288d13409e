package topic

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// descriptorFile is one YAML file of handler declarations.
type descriptorFile struct {
	Handlers []Descriptor `yaml:"handlers"`
}

// Loader loads HTTP descriptors from a directory tree into a registry and
// optionally watches the tree for changes.
type Loader struct {
	registry       *Registry
	client         *http.Client
	defaultTimeout time.Duration
	defaultRetries int
	logger         *slog.Logger
}

// NewLoader creates a descriptor loader. A nil logger discards output.
func NewLoader(registry *Registry, client *http.Client, defaultTimeout time.Duration, defaultRetries int, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{
		registry:       registry,
		client:         client,
		defaultTimeout: defaultTimeout,
		defaultRetries: defaultRetries,
		logger:         logger,
	}
}

// LoadDir loads every *.yaml and *.yml file under dir, recursively. Files
// that fail to parse or validate are skipped with a logged warning; one bad
// file never blocks the rest. Returns the number of handlers registered.
func (l *Loader) LoadDir(dir string) (int, error) {
	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("descriptor dir: %w", err)
	}
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.{yaml,yml}")
	if err != nil {
		return 0, fmt.Errorf("glob descriptors: %w", err)
	}
	loaded := 0
	for _, rel := range matches {
		path := filepath.Join(dir, rel)
		n, err := l.loadFile(path)
		if err != nil {
			l.logger.Warn("skipping descriptor file", "path", path, "error", err)
			continue
		}
		loaded += n
	}
	l.logger.Info("loaded topic descriptors", "dir", dir, "handlers", loaded)
	return loaded, nil
}

func (l *Loader) loadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read descriptor file: %w", err)
	}
	var file descriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse descriptor file: %w", err)
	}
	// A bare single descriptor without the handlers key is also accepted.
	if len(file.Handlers) == 0 {
		var single Descriptor
		if err := yaml.Unmarshal(data, &single); err == nil && single.Topic != "" {
			file.Handlers = []Descriptor{single}
		}
	}
	for i := range file.Handlers {
		d := file.Handlers[i]
		if err := d.Validate(); err != nil {
			return 0, err
		}
		l.registry.Register(d.Topic, NewHTTPHandler(d, l.client, l.defaultTimeout, l.defaultRetries))
	}
	return len(file.Handlers), nil
}

// Watch reloads changed descriptor files until ctx is cancelled. Removed
// files do not unregister their topics; a restart does.
func (l *Loader) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("descriptor watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if !isYAML(event.Name) {
					continue
				}
				n, err := l.loadFile(event.Name)
				if err != nil {
					l.logger.Warn("descriptor reload failed", "path", event.Name, "error", err)
					continue
				}
				l.logger.Info("reloaded topic descriptors", "path", event.Name, "handlers", n)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("descriptor watcher error", "error", err)
			}
		}
	}()
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
