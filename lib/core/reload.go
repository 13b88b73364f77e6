package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// SettingsWatcher reloads the [settings] section when the config file changes
// and turns differences into state machine commands. Other sections need a
// restart.
type SettingsWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	apply   func(tunnelstate.Command)

	mu      sync.Mutex
	current SettingsConfig

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatchSettings starts watching path. The parent directory is watched so
// editors that replace the file by rename are noticed.
func WatchSettings(path string, initial SettingsConfig, apply func(tunnelstate.Command)) (*SettingsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &SettingsWatcher{
		path:    path,
		watcher: watcher,
		apply:   apply,
		current: initial,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Reload re-reads the file and applies changed settings. A missing or
// invalid file leaves the current settings in place.
func (w *SettingsWatcher) Reload() error {
	if _, err := os.Stat(w.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	cmds := settingsCommands(w.current, cfg.Settings)
	w.current = cfg.Settings
	w.mu.Unlock()

	for _, cmd := range cmds {
		log.WithField("command", fmt.Sprintf("%T", cmd)).Info("applying reloaded setting")
		w.apply(cmd)
	}
	return nil
}

// Current returns the settings last applied.
func (w *SettingsWatcher) Current() SettingsConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Update records settings changed through the management API so a later
// reload does not replay them.
func (w *SettingsWatcher) Update(s SettingsConfig) {
	w.mu.Lock()
	w.current = s
	w.mu.Unlock()
}

func (w *SettingsWatcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(); err != nil {
				log.WithError(err).Warn("config reload failed")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")
		case <-w.stopCh:
			return
		}
	}
}

// Close stops the watcher.
func (w *SettingsWatcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func settingsCommands(old, cur SettingsConfig) []tunnelstate.Command {
	var cmds []tunnelstate.Command
	if old.AllowLAN != cur.AllowLAN {
		cmds = append(cmds, tunnelstate.AllowLan{Allow: cur.AllowLAN})
	}
	if old.BlockWhenDisconnected != cur.BlockWhenDisconnected {
		cmds = append(cmds, tunnelstate.BlockWhenDisconnected{Block: cur.BlockWhenDisconnected})
	}
	return cmds
}
