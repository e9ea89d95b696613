package grantrelay

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchAPIKeyFile loads the admin API key from path and reloads it whenever
// the file is rewritten, so the key can be rotated without a restart. The
// returned stop function releases the watcher.
//
// The parent directory is watched rather than the file itself, because key
// rotation is usually an atomic rename that replaces the inode.
func WatchAPIKeyFile(client *Client, path string, logger *slog.Logger) (func() error, error) {
	if client == nil || path == "" {
		return nil, fmt.Errorf("key watcher: %w", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "entu-admin")

	key, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	client.SetAPIKey(key)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("key watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("key watcher: watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				key, err := readKeyFile(path)
				if err != nil {
					log.Warn("key file reload failed", "path", path, "error", err)
					continue
				}
				client.SetAPIKey(key)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("key watcher error", "error", err)
			}
		}
	}()

	return watcher.Close, nil
}

func readKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("key file %s is empty: %w", path, ErrInvalidInput)
	}
	return key, nil
}
