package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// FileCatalogProviderConfig configures a FileCatalogProvider.
type FileCatalogProviderConfig struct {
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger
}

// FileCatalogProvider watches a catalog file and publishes a Snapshot each
// time it parses successfully. Parse failures are logged and the previous
// snapshot stays current.
type FileCatalogProvider struct {
	path        string
	debounce    time.Duration
	logger      *slog.Logger
	mu          sync.RWMutex
	snapshot    Snapshot
	digest      [sha256.Size]byte
	loaded      bool
	subscribers []chan Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewFileCatalogProvider loads the catalog file and starts watching it. The
// initial load must succeed.
func NewFileCatalogProvider(cfg FileCatalogProviderConfig) (*FileCatalogProvider, error) {
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	p := &FileCatalogProvider{
		path:     absPath,
		debounce: debounce,
		logger:   logger.With("component", "catalog_provider", "path", absPath),
		done:     make(chan struct{}),
	}

	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the last successfully parsed snapshot.
func (p *FileCatalogProvider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives snapshot updates. The current
// snapshot is delivered immediately. Slow consumers miss intermediate
// snapshots, never the latest one.
func (p *FileCatalogProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	if p.loaded {
		ch <- p.snapshot
	}
	return ch
}

// Reload re-reads the file synchronously.
func (p *FileCatalogProvider) Reload() error {
	return p.load()
}

// Close stops the watcher and closes subscriber channels.
func (p *FileCatalogProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()
	return err
}

func (p *FileCatalogProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.load(); err != nil {
						p.logger.Error("catalog reload failed", "error", err)
					} else {
						p.logger.Info("catalog file reloaded", "generation", p.Current().Generation)
					}
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("watcher error", "error", err)
		}
	}
}

func (p *FileCatalogProvider) load() error {
	//nolint:gosec // File path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}
	digest := sha256.Sum256(data)
	p.mu.RLock()
	unchanged := p.loaded && p.digest == digest
	p.mu.RUnlock()
	if unchanged {
		return nil
	}

	file, err := ParseCatalogFile(data)
	if err != nil {
		return err
	}
	spec, err := file.ToDomain(filepath.Dir(p.path))
	if err != nil {
		return err
	}

	snapshot := Snapshot{
		Generation: spec.Generation,
		ReceivedAt: time.Now().UTC(),
		Catalog:    spec,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = snapshot
	p.digest = digest
	p.loaded = true

	for _, ch := range p.subscribers {
		// Drop a stale pending value so the latest snapshot always lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
	return nil
}
