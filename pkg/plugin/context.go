package plugin

import (
	"go.uber.org/zap"

	"contecbridge/internal/contec"
	"contecbridge/internal/hass"
)

// Activations is the part of the controller manager platforms read from.
type Activations interface {
	PusherActivations() []*contec.PusherActivation
	BlindActivations() []*contec.BlindActivation
	OnOffActivations() []*contec.OnOffActivation
}

// EntityHost receives the entities a platform creates.
type EntityHost interface {
	AddEntities(entities []hass.Entity) error
	RemoveEntities(entities []hass.Entity)
}

// Context carries the entry a platform is set up for.
type Context struct {
	// EntryID identifies the config entry.
	EntryID string

	// Manager is the entry's controller manager after discovery.
	Manager Activations

	// Host publishes entities to Home Assistant.
	Host EntityHost

	// Logger is already named for the entry; platforms add their own name.
	Logger *zap.Logger

	// ReadOnly is informational for platforms; the host enforces it.
	ReadOnly bool
}

// NewContext creates a platform context.
func NewContext(entryID string, manager Activations, host EntityHost, logger *zap.Logger, readOnly bool) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		EntryID:  entryID,
		Manager:  manager,
		Host:     host,
		Logger:   logger,
		ReadOnly: readOnly,
	}
}
