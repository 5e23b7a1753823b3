package config

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher monitors the tuneables file for changes and reloads.
// Falls back to polling when fsnotify cannot watch the path (e.g. the
// file has not been created yet).
func (s *Store) StartWatcher(ctx context.Context) {
	if s.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("[Config] fsnotify unavailable (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(s.path); err != nil {
		log.Printf("[Config] cannot watch %s (%v), falling back to polling", s.path, err)
		usePolling = true
		watcher.Close()
	}

	if usePolling {
		go s.pollLoop(ctx)
		return
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
				if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
					// Debounce: editors often fire write bursts.
					time.Sleep(100 * time.Millisecond)
					if err := s.Reload(); err != nil {
						log.Printf("[Config] reload failed, keeping previous tuneables: %v", err)
					} else {
						log.Printf("[Config] tuneables reloaded from %s", s.path)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Config] watcher error: %v", err)
			}
		}
	}()
}

func (s *Store) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				continue
			}
		}
	}
}
