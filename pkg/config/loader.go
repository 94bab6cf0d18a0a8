// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigFile is the well-known config file name inside the config
// directory.
const DefaultConfigFile = "config.yaml"

// LoaderOptions configures the config loader.
type LoaderOptions struct {
	// Dir is the config directory. The loader reads Dir/config.yaml and
	// resolves relative paths (tool catalogue, DCID mapping) against Dir.
	Dir string

	// Watch re-loads the file on change and invokes OnChange.
	Watch    bool
	OnChange func(*Config)
}

// Loader reads the YAML config through koanf and optionally watches the
// config directory with fsnotify.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	stopChan chan struct{}
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("config dir is required")
	}
	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		stopChan: make(chan struct{}),
	}, nil
}

func (l *Loader) path() string {
	return filepath.Join(l.options.Dir, DefaultConfigFile)
}

// Load reads, expands and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	LoadDotEnv(filepath.Join(l.options.Dir, ".env"), ".env")

	provider := file.Provider(l.path())
	if err := l.koanf.Load(provider, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", l.path(), err)
	}

	var cfg Config
	if err := l.koanf.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ExpandConfig(&cfg)
	cfg.SetDefaults()

	// Resolve catalogue paths relative to the config dir.
	for _, path := range []*string{
		&cfg.Tools.CatalogPath,
		&cfg.Tools.StatisticsTemplatesPath,
		&cfg.Tools.DCIDMappingPath,
	} {
		if *path != "" && !filepath.IsAbs(*path) {
			*path = filepath.Join(l.options.Dir, *path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if l.options.Watch {
		if err := l.watch(); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// watch reloads the config when the file changes. Editors often replace the
// file instead of writing in place, so the watcher observes the directory
// and filters events for the config file.
func (l *Loader) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(l.options.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != DefaultConfigFile {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, l.reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Config watcher error", "error", err)

			case <-l.stopChan:
				return
			}
		}
	}()

	return nil
}

func (l *Loader) reload() {
	l.koanf = koanf.New(".")
	cfg, err := l.loadOnce()
	if err != nil {
		slog.Error("Config reload failed, keeping previous configuration", "error", err)
		return
	}
	slog.Info("Configuration reloaded", "path", l.path())
	if l.options.OnChange != nil {
		l.options.OnChange(cfg)
	}
}

func (l *Loader) loadOnce() (*Config, error) {
	if err := l.koanf.Load(file.Provider(l.path()), yaml.Parser()); err != nil {
		return nil, err
	}
	var cfg Config
	if err := l.koanf.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	ExpandConfig(&cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Stop terminates the watcher goroutine.
func (l *Loader) Stop() {
	close(l.stopChan)
}
