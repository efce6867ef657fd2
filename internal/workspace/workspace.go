// Package workspace resolves a conversation to the working directory its
// agent process runs in. The mapping lives in a YAML file and is reloaded
// when the file changes, so adding a channel does not require a restart.
package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const debounceInterval = 500 * time.Millisecond

// Config is the on-disk shape of the mapping.
type Config struct {
	// Default is used for conversations with no channel entry.
	Default string `yaml:"default"`
	// Channels maps a conversation/channel ID to a working directory.
	Channels map[string]string `yaml:"channels"`
}

// Resolver answers "which directory does this conversation work in".
type Resolver struct {
	mu   sync.RWMutex
	cfg  Config
	path string

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// Load reads the mapping file once. Call Watch afterwards for hot reload.
func Load(path string) (*Resolver, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg, path: path}, nil
}

// Static builds a resolver from an in-memory config, mainly for tests and
// for running without a mapping file.
func Static(cfg Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve returns the working directory for a conversation. An explicit
// hint always wins, then the channel entry, then the default.
func (r *Resolver) Resolve(conversationID, hint string) (string, error) {
	if hint != "" {
		return hint, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if dir, ok := r.cfg.Channels[conversationID]; ok {
		return dir, nil
	}
	if r.cfg.Default != "" {
		return r.cfg.Default, nil
	}
	return "", fmt.Errorf("no workspace configured for conversation %s", conversationID)
}

// Watch reloads the mapping whenever the file changes. Events are
// debounced because editors and config pushes write in bursts. The parent
// directory is watched rather than the file itself so atomic
// rename-into-place updates are seen.
func (r *Resolver) Watch() error {
	if r.path == "" {
		return fmt.Errorf("no mapping file to watch")
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(r.path)); err != nil {
		fsW.Close()
		return err
	}

	r.fsWatcher = fsW
	r.cancel = make(chan struct{})
	go r.watchLoop()
	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (r *Resolver) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-r.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-r.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, r.reload)

		case err, ok := <-r.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("workspace watcher error: %v", err)
		}
	}
}

// reload re-reads the mapping file, keeping the old mapping on failure.
func (r *Resolver) reload() {
	cfg, err := readConfig(r.path)
	if err != nil {
		log.Printf("workspace mapping reload failed: %v", err)
		return
	}

	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	log.Printf("workspace mapping reloaded: %d channels", len(cfg.Channels))
}

// Shutdown stops the watcher.
func (r *Resolver) Shutdown() {
	if r.fsWatcher == nil {
		return
	}
	close(r.cancel)
	r.fsWatcher.Close()
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read workspace mapping: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse workspace mapping: %w", err)
	}
	return cfg, nil
}
