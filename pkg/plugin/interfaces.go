// Package plugin provides the platform registry of the bridge. Each Home
// Assistant domain the bridge serves (binary_sensor, cover, light) registers
// a factory from an init() function; a config entry instantiates every
// registered platform in order once its controllers have been discovered.
// A later registration with a higher priority replaces an earlier one, which
// lets a build swap a platform without touching the entry setup.
package plugin

// Plugin is one platform instantiated for one config entry.
type Plugin interface {
	// Name returns the platform name, which is also its Home Assistant domain.
	Name() string

	// Start builds the platform's entities and hands them to the host.
	Start() error

	// Stop withdraws the entities created by Start.
	Stop()
}

// EntityCounter is implemented by platforms that report how many entities
// they currently expose.
type EntityCounter interface {
	EntityCount() int
}

// Factory creates a platform for the entry described by ctx.
type Factory func(ctx *Context) (Plugin, error)
