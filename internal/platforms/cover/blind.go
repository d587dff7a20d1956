// Package cover exposes Contec blinds as Home Assistant covers.
package cover

import (
	"context"

	"contecbridge/internal/contec"
	"contecbridge/internal/hass"
	"contecbridge/internal/platforms"
)

// Cover positions sent for open and close.
const (
	PositionOpen   = 100
	PositionClosed = 0
)

// Blind is the activation surface the cover drives.
type Blind interface {
	ControllerUnit() *contec.ControllerUnit
	StartActivationNumber() int
	MovingDirection() contec.BlindState
	BlindOpeningPercentage() int
	SetBlindsState(ctx context.Context, openingPercentage int) error
	SetStateChangedCallback(cb func(direction contec.BlindState, openingPercentage int))
}

// BlindCover is a cover of device class blind supporting open, close and
// set position.
type BlindCover struct {
	activation Blind
	uid        string
}

// NewBlindCover wraps a blind activation.
func NewBlindCover(activation Blind) *BlindCover {
	return &BlindCover{
		activation: activation,
		uid:        platforms.UniqueID(activation.ControllerUnit().UnitID, activation.StartActivationNumber()),
	}
}

func (c *BlindCover) UniqueID() string    { return c.uid }
func (c *BlindCover) Name() string        { return "Contec Cover " + c.uid }
func (c *BlindCover) Domain() hass.Domain { return hass.DomainCover }
func (c *BlindCover) ShouldPoll() bool    { return false }

func (c *BlindCover) Device() hass.Device {
	return platforms.ControllerDevice(c.activation.ControllerUnit().UnitID)
}

func (c *BlindCover) IsOpening() bool {
	return c.activation.MovingDirection() == contec.BlindStateMovingUp
}

func (c *BlindCover) IsClosing() bool {
	return c.activation.MovingDirection() == contec.BlindStateMovingDown
}

func (c *BlindCover) IsClosed() bool {
	return c.activation.BlindOpeningPercentage() == PositionClosed
}

// CurrentCoverPosition is the opening percentage, 0 closed and 100 open.
func (c *BlindCover) CurrentCoverPosition() int {
	return c.activation.BlindOpeningPercentage()
}

// State reports movement first, then open or closed.
func (c *BlindCover) State() hass.State {
	return blindState(c.activation.MovingDirection(), c.CurrentCoverPosition())
}

func blindState(direction contec.BlindState, position int) hass.State {
	s := hass.State{Position: &position}
	switch {
	case direction == contec.BlindStateMovingUp:
		s.Value = hass.StateOpening
	case direction == contec.BlindStateMovingDown:
		s.Value = hass.StateClosing
	case position == PositionClosed:
		s.Value = hass.StateClosed
	default:
		s.Value = hass.StateOpen
	}
	return s
}

func (c *BlindCover) OpenCover(ctx context.Context) error {
	return c.activation.SetBlindsState(ctx, PositionOpen)
}

func (c *BlindCover) CloseCover(ctx context.Context) error {
	return c.activation.SetBlindsState(ctx, PositionClosed)
}

func (c *BlindCover) SetCoverPosition(ctx context.Context, position int) error {
	return c.activation.SetBlindsState(ctx, position)
}

func (c *BlindCover) AddedToHost(w hass.StateWriter) {
	c.activation.SetStateChangedCallback(func(direction contec.BlindState, position int) {
		w.WriteState(c, blindState(direction, position))
	})
}

func (c *BlindCover) RemovedFromHost() {
	c.activation.SetStateChangedCallback(nil)
}
