// Package hass exposes entities to Home Assistant through MQTT discovery.
//
// An Entity publishes a retained discovery config, keeps its state topic
// current and, when it implements Switchable or Positionable, receives
// commands from Home Assistant's command topics.
package hass

import (
	"context"
	"errors"
)

// Domain is a Home Assistant entity platform.
type Domain string

const (
	DomainBinarySensor Domain = "binary_sensor"
	DomainCover        Domain = "cover"
	DomainLight        Domain = "light"
)

// Home Assistant state values.
const (
	StateOn      = "on"
	StateOff     = "off"
	StateOpen    = "open"
	StateClosed  = "closed"
	StateOpening = "opening"
	StateClosing = "closing"
)

var (
	// ErrUnknownEntity is returned for commands to an entity the host does not know.
	ErrUnknownEntity = errors.New("hass: unknown entity")

	// ErrUnsupportedCommand is returned when an entity cannot execute a command.
	ErrUnsupportedCommand = errors.New("hass: unsupported command")

	// ErrInvalidCommand is returned for malformed command payloads.
	ErrInvalidCommand = errors.New("hass: invalid command")
)

// State is a snapshot of an entity's Home Assistant state.
type State struct {
	// Value is one of the State* constants.
	Value string

	// Position is the cover position, nil for other domains.
	Position *int
}

// Device groups entities in Home Assistant's device registry.
type Device struct {
	Identifier   string
	Name         string
	Manufacturer string
	Model        string
}

// StateWriter receives state writes from entities. s is the state the
// change reported, which may already differ from e.State().
type StateWriter interface {
	WriteState(e Entity, s State)
}

// Entity is anything the host can expose.
type Entity interface {
	UniqueID() string
	Name() string
	Domain() Domain
	Device() Device

	// ShouldPoll reports whether the host must poll for state. Entities that
	// push their state through the StateWriter return false.
	ShouldPoll() bool

	// State returns the current state.
	State() State

	// AddedToHost is called once the entity is registered. Implementations
	// subscribe to their source and call w.WriteState with the reported state on every change.
	AddedToHost(w StateWriter)

	// RemovedFromHost is called when the entity is withdrawn.
	RemovedFromHost()
}

// Switchable entities accept on/off commands.
type Switchable interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// Positionable entities accept cover commands.
type Positionable interface {
	OpenCover(ctx context.Context) error
	CloseCover(ctx context.Context) error
	SetCoverPosition(ctx context.Context, position int) error
}

// Action names a command.
type Action string

const (
	ActionTurnOn      Action = "turn_on"
	ActionTurnOff     Action = "turn_off"
	ActionOpen        Action = "open"
	ActionClose       Action = "close"
	ActionSetPosition Action = "set_position"
)

// Command is a request to change an entity.
type Command struct {
	Action   Action `json:"action"`
	Position int    `json:"position,omitempty"`
}

// Execute runs cmd against e.
func Execute(ctx context.Context, e Entity, cmd Command) error {
	switch cmd.Action {
	case ActionTurnOn, ActionTurnOff:
		s, ok := e.(Switchable)
		if !ok {
			return ErrUnsupportedCommand
		}
		if cmd.Action == ActionTurnOn {
			return s.TurnOn(ctx)
		}
		return s.TurnOff(ctx)

	case ActionOpen, ActionClose, ActionSetPosition:
		p, ok := e.(Positionable)
		if !ok {
			return ErrUnsupportedCommand
		}
		switch cmd.Action {
		case ActionOpen:
			return p.OpenCover(ctx)
		case ActionClose:
			return p.CloseCover(ctx)
		default:
			return p.SetCoverPosition(ctx, cmd.Position)
		}

	default:
		return ErrInvalidCommand
	}
}
