package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Priority constants for platform registration.
// Higher priority values replace lower priority platforms with the same name.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// DefaultOrder is used when PluginInfo.Order is zero.
const DefaultOrder = 50

// ErrInvalidPlugin is returned by Register for incomplete registrations.
var ErrInvalidPlugin = errors.New("invalid plugin registration")

// PluginInfo describes a registered platform.
type PluginInfo struct {
	// Name is the platform name; registrations with the same name replace
	// each other by priority.
	Name string

	Description string

	Priority int

	Factory Factory

	// Order sets the startup order, lower first. Stop runs in reverse.
	Order int
}

// Registry holds platform registrations.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]PluginInfo
	order   []string
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]PluginInfo),
		order:   make([]string, 0),
		logger:  zap.NewNop(),
	}
}

// SetLogger sets the logger used for registration messages.
func (r *Registry) SetLogger(logger *zap.Logger) {
	r.mu.Lock()
	r.logger = logger.Named("plugin")
	r.mu.Unlock()
}

// Register adds a platform. If one with the same name exists the higher
// priority wins; on equal priority the later registration wins.
func (r *Registry) Register(info PluginInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidPlugin)
	}
	if info.Factory == nil {
		return fmt.Errorf("%w: %s: factory cannot be nil", ErrInvalidPlugin, info.Name)
	}
	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	existing, exists := r.plugins[info.Name]
	if exists {
		if info.Priority < existing.Priority {
			r.logger.Debug("Plugin registration skipped",
				zap.String("plugin", info.Name),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		r.logger.Info("Plugin overridden",
			zap.String("plugin", info.Name),
			zap.Int("from_priority", existing.Priority),
			zap.Int("to_priority", info.Priority))
	}

	r.plugins[info.Name] = info
	if !exists {
		r.order = append(r.order, info.Name)
	}
	return nil
}

// Get returns the registration for name, or nil.
func (r *Registry) Get(name string) *PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.plugins[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns every registration sorted by order, then name.
func (r *Registry) List() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PluginInfo, 0, len(r.plugins))
	for _, name := range r.order {
		result = append(result, r.plugins[name])
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// CreateAll instantiates every platform for one entry. On failure the
// platforms created so far are stopped.
func (r *Registry) CreateAll(ctx *Context) ([]Plugin, error) {
	infos := r.List()
	result := make([]Plugin, 0, len(infos))

	for _, info := range infos {
		p, err := info.Factory(ctx)
		if err != nil {
			StopAll(result)
			return nil, fmt.Errorf("failed to create plugin %s: %w", info.Name, err)
		}
		result = append(result, p)
	}
	return result, nil
}

// StartAll starts platforms in order. If one fails, the ones already
// started are stopped and the error is returned.
func StartAll(plugins []Plugin) error {
	for i, p := range plugins {
		if err := p.Start(); err != nil {
			StopAll(plugins[:i])
			return fmt.Errorf("failed to start plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}

// StopAll stops platforms in reverse order.
func StopAll(plugins []Plugin) {
	for i := len(plugins) - 1; i >= 0; i-- {
		plugins[i].Stop()
	}
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plugins = make(map[string]PluginInfo)
	r.order = make([]string, 0)
}

var globalRegistry = NewRegistry()

// Global returns the registry platforms register with from init().
func Global() *Registry {
	return globalRegistry
}

// Register adds a platform to the global registry.
func Register(info PluginInfo) error {
	return globalRegistry.Register(info)
}

// MustRegister is Register for init() functions.
func MustRegister(info PluginInfo) {
	if err := Register(info); err != nil {
		panic(err)
	}
}

// Get returns a registration from the global registry.
func Get(name string) *PluginInfo {
	return globalRegistry.Get(name)
}

// List returns the global registrations.
func List() []PluginInfo {
	return globalRegistry.List()
}

// CreateAll creates every globally registered platform.
func CreateAll(ctx *Context) ([]Plugin, error) {
	return globalRegistry.CreateAll(ctx)
}

// Names returns the globally registered names.
func Names() []string {
	return globalRegistry.Names()
}
