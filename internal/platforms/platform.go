// Package platforms holds what the binary_sensor, cover and light platforms
// share: unique IDs, the per-controller device and the platform lifecycle.
package platforms

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"contecbridge/internal/hass"
	"contecbridge/pkg/plugin"
)

// ErrIncompleteContext is returned by platform factories missing a manager or host.
var ErrIncompleteContext = errors.New("platform context needs a manager and a host")

// UniqueID is the entity unique ID of an activation.
func UniqueID(unitID, startActivationNumber int) string {
	return fmt.Sprintf("%d-%d", unitID, startActivationNumber)
}

// ControllerDevice is the Home Assistant device of a controller unit.
func ControllerDevice(unitID int) hass.Device {
	return hass.Device{
		Identifier:   fmt.Sprintf("contec_unit_%d", unitID),
		Name:         fmt.Sprintf("Contec Controller %d", unitID),
		Manufacturer: "Contec",
		Model:        "Controller",
	}
}

// Platform adds a set of entities to the host on Start and removes them on Stop.
type Platform struct {
	name   string
	host   plugin.EntityHost
	build  func() []hass.Entity
	logger *zap.Logger

	mu       sync.Mutex
	entities []hass.Entity
}

// New creates a platform whose entities are produced by build at start.
func New(name string, ctx *plugin.Context, build func() []hass.Entity) (*Platform, error) {
	if ctx == nil || ctx.Manager == nil || ctx.Host == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrIncompleteContext)
	}
	return &Platform{
		name:   name,
		host:   ctx.Host,
		build:  build,
		logger: ctx.Logger.Named(name).With(zap.String("entry", ctx.EntryID)),
	}, nil
}

// Name returns the platform name.
func (p *Platform) Name() string {
	return p.name
}

// Start builds the entities and adds them to the host.
func (p *Platform) Start() error {
	entities := p.build()

	p.mu.Lock()
	p.entities = entities
	p.mu.Unlock()

	if err := p.host.AddEntities(entities); err != nil {
		return fmt.Errorf("failed to add %s entities: %w", p.name, err)
	}
	p.logger.Info("Platform started", zap.Int("entities", len(entities)))
	return nil
}

// Stop detaches the entities from the host. Home Assistant keeps them.
func (p *Platform) Stop() {
	p.mu.Lock()
	entities := p.entities
	p.entities = nil
	p.mu.Unlock()

	if len(entities) == 0 {
		return
	}
	p.host.RemoveEntities(entities)
	p.logger.Info("Platform stopped", zap.Int("entities", len(entities)))
}

// EntityCount returns the number of entities added by Start.
func (p *Platform) EntityCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entities)
}

// Entities returns the entities added by Start.
func (p *Platform) Entities() []hass.Entity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hass.Entity(nil), p.entities...)
}
