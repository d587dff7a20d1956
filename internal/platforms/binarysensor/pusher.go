// Package binarysensor exposes Contec push-buttons as binary sensors.
package binarysensor

import (
	"contecbridge/internal/contec"
	"contecbridge/internal/hass"
	"contecbridge/internal/platforms"
)

// Pusher is the activation surface the sensor reads.
type Pusher interface {
	ControllerUnit() *contec.ControllerUnit
	StartActivationNumber() int
	IsPushed() bool
	SetStateChangedCallback(cb func(isPushed bool))
}

// PusherSensor is a binary sensor that is on while its button is pressed.
type PusherSensor struct {
	activation Pusher
	uid        string
}

// NewPusherSensor wraps a pusher activation.
func NewPusherSensor(activation Pusher) *PusherSensor {
	return &PusherSensor{
		activation: activation,
		uid:        platforms.UniqueID(activation.ControllerUnit().UnitID, activation.StartActivationNumber()),
	}
}

func (s *PusherSensor) UniqueID() string    { return s.uid }
func (s *PusherSensor) Name() string        { return "Contec Pusher " + s.uid }
func (s *PusherSensor) Domain() hass.Domain { return hass.DomainBinarySensor }
func (s *PusherSensor) ShouldPoll() bool    { return false }

func (s *PusherSensor) Device() hass.Device {
	return platforms.ControllerDevice(s.activation.ControllerUnit().UnitID)
}

// UnitID returns the controller unit of the button.
func (s *PusherSensor) UnitID() int {
	return s.activation.ControllerUnit().UnitID
}

// StartActivationNumber returns the input number of the button.
func (s *PusherSensor) StartActivationNumber() int {
	return s.activation.StartActivationNumber()
}

// IsOn reports whether the button is pressed.
func (s *PusherSensor) IsOn() bool {
	return s.activation.IsPushed()
}

func (s *PusherSensor) State() hass.State {
	return pusherState(s.IsOn())
}

func pusherState(pushed bool) hass.State {
	if pushed {
		return hass.State{Value: hass.StateOn}
	}
	return hass.State{Value: hass.StateOff}
}

// AddedToHost writes the reported state on every button change, so a
// release queued behind a press still publishes the press.
func (s *PusherSensor) AddedToHost(w hass.StateWriter) {
	s.activation.SetStateChangedCallback(func(pushed bool) { w.WriteState(s, pusherState(pushed)) })
}

func (s *PusherSensor) RemovedFromHost() {
	s.activation.SetStateChangedCallback(nil)
}
