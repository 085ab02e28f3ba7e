package plugins

import (
	"fmt"
	"log/slog"
	"plugin"
	"sort"
	"sync"

	"novelext/internal/config"
	"novelext/pkg/source"
)

// LoadedSource is a registered source together with where it came from.
type LoadedSource struct {
	source.Source
	path   string
	symbol string
}

// Builtin reports whether the source was compiled into the host.
func (ls *LoadedSource) Builtin() bool {
	return ls.path == ""
}

type Manager struct {
	mu      sync.RWMutex
	sources map[string]*LoadedSource
	opened  map[string]*LoadedSource
}

func New() (*Manager, error) {
	return &Manager{
		sources: make(map[string]*LoadedSource),
		opened:  make(map[string]*LoadedSource),
	}, nil
}

// Load replaces the registry with builtins followed by the shared objects
// listed in cfg. Shared objects opened by an earlier Load are reused since Go
// cannot unload them.
func (m *Manager) Load(cfg *config.Config, builtins ...source.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newSources := make(map[string]*LoadedSource)

	for _, src := range builtins {
		if err := register(newSources, &LoadedSource{Source: src}); err != nil {
			return err
		}
	}

	for _, pluginConfig := range cfg.Plugins {
		key := pluginConfig.Path + "/" + pluginConfig.Symbol

		loaded, exists := m.opened[key]
		if !exists {
			var err error
			loaded, err = m.loadPlugin(pluginConfig.Path, pluginConfig.Symbol)
			if err != nil {
				return fmt.Errorf("failed to load plugin %s: %w", key, err)
			}
			m.opened[key] = loaded
			slog.Info("Loaded plugin", "path", pluginConfig.Path, "symbol", pluginConfig.Symbol, "source", loaded.SaveName())
		}

		if err := register(newSources, loaded); err != nil {
			return err
		}
	}

	m.sources = newSources
	return nil
}

func register(sources map[string]*LoadedSource, ls *LoadedSource) error {
	if err := validateSource(ls.Source); err != nil {
		return err
	}
	key := ls.SaveName()
	if existing, ok := sources[key]; ok {
		return fmt.Errorf("duplicate source %q (%s and %s)", key, describe(existing), describe(ls))
	}
	sources[key] = ls
	return nil
}

func describe(ls *LoadedSource) string {
	if ls.Builtin() {
		return "builtin"
	}
	return ls.path
}

func (m *Manager) loadPlugin(path, symbol string) (*LoadedSource, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin file: %w", err)
	}

	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to find symbol '%s' in plugin: %w", symbol, err)
	}

	src, err := sourceFromSymbol(sym)
	if err != nil {
		return nil, fmt.Errorf("symbol '%s': %w", symbol, err)
	}

	return &LoadedSource{
		Source: src,
		path:   path,
		symbol: symbol,
	}, nil
}

// sourceFromSymbol accepts either a constructor or an exported variable.
func sourceFromSymbol(sym plugin.Symbol) (source.Source, error) {
	switch v := sym.(type) {
	case func() source.Source:
		return v(), nil
	case *source.Source:
		return *v, nil
	case source.Source:
		return v, nil
	default:
		return nil, fmt.Errorf("does not provide a source.Source (got %T)", sym)
	}
}

func validateSource(src source.Source) error {
	if src == nil {
		return fmt.Errorf("source is nil")
	}
	if src.SaveName() == "" {
		return fmt.Errorf("source %q has an empty save name", src.Name())
	}
	return nil
}

func (m *Manager) Get(key string) *LoadedSource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sources[key]
}

// List returns the registered sources ordered by key.
func (m *Manager) List() []*LoadedSource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*LoadedSource, 0, len(m.sources))
	for _, ls := range m.sources {
		list = append(list, ls)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].SaveName() < list[j].SaveName()
	})
	return list
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sources)
}
