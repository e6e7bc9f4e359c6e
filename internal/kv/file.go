package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileKV stores each key as <dir>/<key>.json and reports changes made by
// any process through filesystem notifications.
type FileKV struct {
	dir string

	mu       sync.Mutex
	closed   bool
	watchers map[*fsnotify.Watcher]struct{}
}

func NewFileKV(dir string) (*FileKV, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileKV{
		dir:      filepath.Clean(dir),
		watchers: map[*fsnotify.Watcher]struct{}{},
	}, nil
}

func (f *FileKV) Dir() string {
	return f.dir
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (f *FileKV) Set(_ context.Context, key string, value []byte) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return writeFileAtomic(path, value, 0o644)
}

// writeFileAtomic gives every writer its own temp file, so processes
// sharing the directory never rename a half-written file into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

func (f *FileKV) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(f.dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = watcher.Close()
		return nil, ErrClosed
	}
	f.watchers[watcher] = struct{}{}
	f.mu.Unlock()

	target := filepath.Base(path)
	ch := make(chan []byte, 1)
	go func() {
		defer close(ch)
		defer f.release(watcher)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
					!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				data, readErr := os.ReadFile(path)
				switch {
				case readErr == nil:
					pushLatest(ch, data)
				case errors.Is(readErr, os.ErrNotExist):
					if !event.Has(fsnotify.Rename) {
						pushLatest(ch, nil)
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}

func (f *FileKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for watcher := range f.watchers {
		_ = watcher.Close()
		delete(f.watchers, watcher)
	}
	return nil
}

func (f *FileKV) release(watcher *fsnotify.Watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watchers[watcher]; ok {
		delete(f.watchers, watcher)
		_ = watcher.Close()
	}
}

func (f *FileKV) pathFor(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || key == "." || key == ".." {
		return "", ErrInvalidInput
	}
	for _, r := range key {
		if !(r == '-' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return "", fmt.Errorf("%w: key %q", ErrInvalidInput, key)
		}
	}
	return filepath.Join(f.dir, key+".json"), nil
}
