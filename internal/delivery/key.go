package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// KeySource supplies the bearer credential for the delivery functions
type KeySource interface {
	Key() string
}

// StaticKey is a credential fixed at startup
type StaticKey string

func (k StaticKey) Key() string { return string(k) }

// FileKey reads the credential from a mounted secret and re-reads it when the file
// changes. The parent directory is watched so that atomic symlink swaps, as done by
// Kubernetes secret volumes, are picked up.
type FileKey struct {
	path    string
	mu      sync.RWMutex
	key     string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileKey loads path and starts watching it until ctx is cancelled or Close is called
func NewFileKey(ctx context.Context, path string) (*FileKey, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve service key file: %w", err)
	}
	fk := &FileKey{path: abs, done: make(chan struct{})}
	if err := fk.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create service key watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch service key dir: %w", err)
	}
	fk.watcher = w

	go fk.watch(ctx)
	return fk, nil
}

// Key returns the most recently loaded credential
func (k *FileKey) Key() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key
}

// Close stops watching the file
func (k *FileKey) Close() error {
	err := k.watcher.Close()
	<-k.done
	return err
}

func (k *FileKey) reload() error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("read service key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return fmt.Errorf("service key file %s is empty", k.path)
	}
	k.mu.Lock()
	k.key = key
	k.mu.Unlock()
	return nil
}

func (k *FileKey) watch(ctx context.Context) {
	defer close(k.done)
	for {
		select {
		case <-ctx.Done():
			_ = k.watcher.Close()
			return
		case ev, ok := <-k.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// a failed read keeps the previous key; the writer may not have finished yet
			if err := k.reload(); err != nil {
				slog.Warn("service key reload failed, keeping previous key", "path", k.path, "error", err)
				continue
			}
			slog.Info("service key reloaded", "path", k.path)
		case err, ok := <-k.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("service key watcher error", "error", err)
		}
	}
}
