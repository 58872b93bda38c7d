package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileStore keeps settings in a flat YAML mapping and rewrites the whole file on every change.
// External edits are picked up by Watch.
type FileStore struct {
	log  *slog.Logger
	path string

	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

// OpenFileStore loads path, treating a missing file as empty.
func OpenFileStore(path string, log *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("settings: empty file path")
	}
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	s := &FileStore{log: log, path: abs, data: make(map[string]string)}
	data, err := readYAML(abs)
	if err != nil {
		return nil, err
	}
	s.data = data

	log.Info("settings.store.file", "path", abs, "keys", len(data))
	return s, nil
}

func readYAML(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return out, nil
}

// Path returns the absolute file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	prev, had := s.data[key]
	s.data[key] = value
	if err := s.flushLocked(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	prev, had := s.data[key]
	if !had {
		return nil
	}
	delete(s.data, key)
	if err := s.flushLocked(); err != nil {
		s.data[key] = prev
		return err
	}
	return nil
}

func (s *FileStore) List(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return filterPrefix(s.data, prefix), nil
}

// flushLocked writes through a temp file in the same directory so readers never see a torn file.
func (s *FileStore) flushLocked() error {
	b, err := yaml.Marshal(s.data)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// reload re-reads the file and reports whether the content changed.
func (s *FileStore) reload() (bool, error) {
	data, err := readYAML(s.path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if maps.Equal(s.data, data) {
		return false, nil
	}
	s.data = data
	return true, nil
}

// Watch watches the parent directory, since editors usually replace files rather than write them.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			changed, err := s.reload()
			if err != nil {
				s.log.Warn("settings.file.reload.fail", "path", s.path, "err", err)
				continue
			}
			if changed {
				s.log.Info("settings.file.reloaded", "path", s.path)
				if onChange != nil {
					onChange()
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("settings.file.watch.error", "path", s.path, "err", err)
		}
	}
}
