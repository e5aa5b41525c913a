// Package settings persists the broadcast settings document and notices
// when it is edited outside the daemon.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"

	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/logger"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

// Store reads and writes settings as an indented JSON file.
type Store struct {
	path string
	log  logger.Logger

	mu   sync.Mutex
	last []byte // bytes of our own last write
}

// NewStore creates a Store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path, log: logger.Component("settings").With("path", path)}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Normalize fills defaults the way every saved document is written.
func Normalize(in protocol.Settings) protocol.Settings {
	if in.Bitrate <= 0 {
		in.Bitrate = consts.DefaultBitrate
	}
	return in
}

// Load reads the settings file. A missing file yields normalized empty settings.
func (s *Store) Load() (protocol.Settings, error) {
	b, err := os.ReadFile(s.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return Normalize(protocol.Settings{}), nil
	}
	if err != nil {
		return protocol.Settings{}, errors.New(errors.ErrCodeSettings, "Load", "cannot read settings", err)
	}
	return decode(b)
}

func decode(b []byte) (protocol.Settings, error) {
	var out protocol.Settings
	if err := json.Unmarshal(b, &out); err != nil {
		return protocol.Settings{}, errors.New(errors.ErrCodeSettings, "Load", "invalid settings document", err)
	}
	return Normalize(out), nil
}

// Save normalizes and writes settings atomically, returning what was written.
func (s *Store) Save(in protocol.Settings) (protocol.Settings, error) {
	out := Normalize(in)
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return protocol.Settings{}, errors.New(errors.ErrCodeSettings, "Save", "cannot encode settings", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return protocol.Settings{}, errors.New(errors.ErrCodeSettings, "Save", "cannot create settings directory", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomic.WriteFile(s.path, bytes.NewReader(b)); err != nil {
		return protocol.Settings{}, errors.New(errors.ErrCodeSettings, "Save", "cannot write settings", err)
	}
	s.last = b
	s.log.Info("Settings saved")
	return out, nil
}

func (s *Store) ownWrite(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last != nil && bytes.Equal(s.last, b)
}

// Watch calls onChange whenever the file is replaced or rewritten by someone
// else. It blocks until ctx is done. onChange runs on the watcher goroutine.
func (s *Store) Watch(ctx context.Context, onChange func(protocol.Settings)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.New(errors.ErrCodeSettings, "Watch", "cannot create watcher", err)
	}
	defer w.Close()

	// Watch the directory: atomic saves replace the file, which drops a
	// watch on the file itself.
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return errors.New(errors.ErrCodeSettings, "Watch", "cannot watch "+dir, err)
	}
	name := filepath.Clean(s.path)
	s.log.Info("Watching settings file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			b, err := os.ReadFile(s.path)
			if err != nil || len(b) == 0 || s.ownWrite(b) {
				continue
			}
			st, err := decode(b)
			if err != nil {
				s.log.Warn("Ignoring external edit", "err", err)
				continue
			}
			s.log.Info("Settings changed on disk")
			s.mu.Lock()
			s.last = b
			s.mu.Unlock()
			onChange(st)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error("Settings watcher error", "err", err)
		}
	}
}

// Personal.AI order the ending
