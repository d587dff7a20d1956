// Package integration sets up and tears down config entries: one Contec
// controller installation each, exposed to Home Assistant through the
// registered platforms.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"contecbridge/internal/clock"
	"contecbridge/internal/config"
	"contecbridge/internal/contec"
	"contecbridge/internal/ha"
	"contecbridge/internal/hass"
	"contecbridge/internal/store"
	"contecbridge/pkg/plugin"
)

// ConnectTimeout is how long SetupEntry waits for every controller to answer.
const ConnectTimeout = 7 * time.Second

// Host is the entity host entries publish to.
type Host interface {
	plugin.EntityHost
	RemoveDiscovery(key hass.Key) error
	AddObserver(o hass.StateObserver)
}

// EntityStore remembers the entities of each entry between runs.
type EntityStore interface {
	UpsertEntity(ctx context.Context, e store.Entity) error
	ListEntities(ctx context.Context, entryID string) ([]store.Entity, error)
	DeleteEntity(ctx context.Context, entryID, domain, uniqueID string) error
	RecordState(ctx context.Context, entryID, domain, uniqueID, state string) error
}

// entityLister is implemented by platforms that expose their entities.
type entityLister interface {
	Entities() []hass.Entity
}

// Option configures an Integration.
type Option func(*Integration)

// WithStore enables the entity registry and stale entity cleanup.
func WithStore(s EntityStore) Option {
	return func(i *Integration) { i.store = s }
}

// WithNotifier enables Home Assistant notifications and pusher events.
func WithNotifier(n ha.HAClient) Option {
	return func(i *Integration) { i.notifier = n }
}

// WithRegistry replaces the global platform registry.
func WithRegistry(r *plugin.Registry) Option {
	return func(i *Integration) { i.registry = r }
}

// WithClock replaces the clock RunEntry waits on.
func WithClock(c clock.Clock) Option {
	return func(i *Integration) { i.clock = c }
}

// WithConnectTimeout replaces ConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(i *Integration) { i.connectTimeout = d }
}

// WithManagerOptions passes options to every controller manager.
func WithManagerOptions(opts ...contec.Option) Option {
	return func(i *Integration) { i.managerOpts = append(i.managerOpts, opts...) }
}

// WithReadOnly is forwarded to the platforms.
func WithReadOnly(readOnly bool) Option {
	return func(i *Integration) { i.readOnly = readOnly }
}

// entryData is what a set-up entry owns.
type entryData struct {
	cfg     config.EntryConfig
	manager *contec.Manager
	plugins []plugin.Plugin
	keys    []hass.Key
}

// Integration owns every set-up entry.
//
// Thread Safety: all methods are safe for concurrent use.
type Integration struct {
	host           Host
	registry       *plugin.Registry
	store          EntityStore
	notifier       ha.HAClient
	clock          clock.Clock
	logger         *zap.Logger
	connectTimeout time.Duration
	managerOpts    []contec.Option
	readOnly       bool

	mu       sync.RWMutex
	entries  map[string]*entryData
	pending  map[string]bool
	owners   map[hass.Key]string
	notified map[string]bool

	events *pusherEvents
}

// New creates an integration publishing to host.
func New(host Host, logger *zap.Logger, opts ...Option) *Integration {
	i := &Integration{
		host:           host,
		registry:       plugin.Global(),
		clock:          clock.NewRealClock(),
		logger:         logger.Named("integration"),
		connectTimeout: ConnectTimeout,
		entries:        make(map[string]*entryData),
		pending:        make(map[string]bool),
		owners:         make(map[hass.Key]string),
		notified:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.events = newPusherEvents(i.notifier, i.logger)
	host.AddObserver(i.observe)
	return i
}

// SetupEntry connects to the entry's controllers, discovers their channels
// and starts every platform. It returns ErrNotReady when the controllers do
// not all answer within the connect timeout.
func (i *Integration) SetupEntry(ctx context.Context, entry config.EntryConfig) error {
	logger := i.logger.With(zap.String("entry", entry.ID))
	logger.Info("Setting up Contec entry",
		zap.Int("controllers", entry.NumberOfControllers),
		zap.String("ip", entry.ControllersIP),
		zap.Int("port", entry.ControllersPort))

	// The ID stays reserved until setup either stores the entry or fails.
	i.mu.Lock()
	_, exists := i.entries[entry.ID]
	if exists || i.pending[entry.ID] {
		i.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySetUp, entry.ID)
	}
	i.pending[entry.ID] = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.pending, entry.ID)
		i.mu.Unlock()
	}()

	cfg := contec.NewConnectivityConfiguration(entry.NumberOfControllers, entry.ControllersIP, entry.ControllersPort)
	manager := contec.NewManager(logger, cfg, i.managerOpts...)
	if err := manager.Init(); err != nil {
		manager.Close()
		return fmt.Errorf("failed to initialise controller manager: %w", err)
	}

	if !manager.IsConnected(ctx, i.connectTimeout) {
		logger.Warn("Could not connect to Contec controllers",
			zap.String("ip", entry.ControllersIP),
			zap.Int("port", entry.ControllersPort))
		manager.Close()
		i.notifyNotReady(ctx, entry)
		return fmt.Errorf("%w: %s", ErrNotReady, cfg.Address())
	}

	if err := manager.DiscoverEntities(ctx); err != nil {
		logger.Warn("Controller discovery failed", zap.Error(err))
		manager.Close()
		i.notifyNotReady(ctx, entry)
		return fmt.Errorf("%w: discovery: %w", ErrNotReady, err)
	}

	plugins, err := i.registry.CreateAll(plugin.NewContext(entry.ID, manager, i.host, logger, i.readOnly))
	if err != nil {
		manager.Close()
		return err
	}
	if err := plugin.StartAll(plugins); err != nil {
		manager.Close()
		return err
	}

	data := &entryData{cfg: entry, manager: manager, plugins: plugins}
	var entities []hass.Entity
	for _, p := range plugins {
		if l, ok := p.(entityLister); ok {
			entities = append(entities, l.Entities()...)
		}
	}
	for _, e := range entities {
		data.keys = append(data.keys, hass.KeyOf(e))
	}

	i.mu.Lock()
	i.entries[entry.ID] = data
	for _, key := range data.keys {
		i.owners[key] = entry.ID
	}
	i.mu.Unlock()
	i.events.prime(entities)

	i.syncRegistry(ctx, entry.ID, entities)
	i.dismissNotReady(ctx, entry)

	logger.Info("Contec entry ready",
		zap.Int("pushers", len(manager.PusherActivations())),
		zap.Int("blinds", len(manager.BlindActivations())),
		zap.Int("lights", len(manager.OnOffActivations())))
	return nil
}

// UnloadEntry closes the entry's manager and stops its platforms. The
// entry's data is dropped only when unloading succeeded.
func (i *Integration) UnloadEntry(ctx context.Context, entryID string) (bool, error) {
	i.mu.RLock()
	data, ok := i.entries[entryID]
	i.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}

	if err := data.manager.Close(); err != nil {
		i.logger.Warn("Failed to close controller manager", zap.String("entry", entryID), zap.Error(err))
		return false, fmt.Errorf("failed to close controller manager: %w", err)
	}
	plugin.StopAll(data.plugins)

	i.mu.Lock()
	delete(i.entries, entryID)
	for _, key := range data.keys {
		if i.owners[key] == entryID {
			delete(i.owners, key)
		}
	}
	i.mu.Unlock()

	i.logger.Info("Contec entry unloaded", zap.String("entry", entryID))
	return true, nil
}

// Close unloads every entry.
func (i *Integration) Close(ctx context.Context) error {
	var errs []error
	for _, id := range i.EntryIDs() {
		if _, err := i.UnloadEntry(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	i.events.wait()
	return errors.Join(errs...)
}

// EntryIDs returns the IDs of the set-up entries.
func (i *Integration) EntryIDs() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ids := make([]string, 0, len(i.entries))
	for id := range i.entries {
		ids = append(ids, id)
	}
	return ids
}

// Manager returns the controller manager of a set-up entry.
func (i *Integration) Manager(entryID string) (*contec.Manager, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	data, ok := i.entries[entryID]
	if !ok {
		return nil, false
	}
	return data.manager, true
}

// observe runs for every state the host writes.
func (i *Integration) observe(e hass.Entity, s hass.State) {
	key := hass.KeyOf(e)

	i.mu.RLock()
	entryID, owned := i.owners[key]
	i.mu.RUnlock()
	if !owned {
		return
	}

	if i.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := i.store.RecordState(ctx, entryID, string(key.Domain), key.UniqueID, s.Value)
		cancel()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			i.logger.Debug("Failed to record state", zap.Stringer("entity", key), zap.Error(err))
		}
	}
	i.events.observe(entryID, e, s)
}
