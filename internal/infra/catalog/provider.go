package catalog

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"crewd/internal/domain"
)

const reloadDebounce = 200 * time.Millisecond

// Provider holds the current registry table and watches the config file,
// swapping the table in place when it changes. Discovery reads through
// Registries(), so a reload takes effect on the next call without restart.
type Provider struct {
	logger     *zap.Logger
	loader     *Loader
	configPath string

	table atomic.Value // domain.RegistryTable

	reloadMu  sync.Mutex
	watchOnce sync.Once
}

// NewProvider loads the initial config and returns a provider for it.
func NewProvider(configPath string, logger *zap.Logger) (*Provider, Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loader := NewLoader(logger)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, Config{}, err
	}

	p := &Provider{
		logger:     logger.Named("catalog_provider"),
		loader:     loader,
		configPath: configPath,
	}
	p.table.Store(cfg.Registries)
	return p, cfg, nil
}

// Registries returns the current registry table.
func (p *Provider) Registries() domain.RegistryTable {
	return p.table.Load().(domain.RegistryTable)
}

// Reload forces a config reload, replacing the registry table on success.
func (p *Provider) Reload() error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	cfg, err := p.loader.Load(p.configPath)
	if err != nil {
		return err
	}
	p.table.Store(cfg.Registries)
	p.logger.Info("registry table reloaded",
		zap.Int("registries", len(cfg.Registries.Registries)),
	)
	return nil
}

// Watch starts the config file watcher. Idempotent; the watcher stops when
// ctx is canceled.
func (p *Provider) Watch(ctx context.Context) {
	p.watchOnce.Do(func() {
		go p.runWatcher(ctx)
	})
}

func (p *Provider) runWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("config watcher failed", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.configPath)); err != nil {
		p.logger.Warn("config watcher add failed", zap.Error(err))
		return
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Errors:
			if err != nil {
				p.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(p.configPath) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-timerChan(timer):
			timer = nil
			if err := p.Reload(); err != nil {
				p.logger.Warn("config reload failed", zap.Error(err))
			}
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
