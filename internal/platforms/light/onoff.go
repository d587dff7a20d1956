// Package light exposes Contec on/off outputs as lights.
package light

import (
	"context"

	"contecbridge/internal/contec"
	"contecbridge/internal/hass"
	"contecbridge/internal/platforms"
)

// OnOff is the activation surface the light drives.
type OnOff interface {
	ControllerUnit() *contec.ControllerUnit
	StartActivationNumber() int
	IsOn() bool
	SetActivationState(ctx context.Context, on bool) error
	SetStateChangedCallback(cb func(isOn bool))
}

// OnOffLight is a light without brightness or color.
type OnOffLight struct {
	activation OnOff
	uid        string
}

// NewOnOffLight wraps an on/off activation.
func NewOnOffLight(activation OnOff) *OnOffLight {
	return &OnOffLight{
		activation: activation,
		uid:        platforms.UniqueID(activation.ControllerUnit().UnitID, activation.StartActivationNumber()),
	}
}

func (l *OnOffLight) UniqueID() string    { return l.uid }
func (l *OnOffLight) Name() string        { return "Contec Light " + l.uid }
func (l *OnOffLight) Domain() hass.Domain { return hass.DomainLight }
func (l *OnOffLight) ShouldPoll() bool    { return false }

func (l *OnOffLight) Device() hass.Device {
	return platforms.ControllerDevice(l.activation.ControllerUnit().UnitID)
}

func (l *OnOffLight) IsOn() bool {
	return l.activation.IsOn()
}

func (l *OnOffLight) State() hass.State {
	return onOffState(l.IsOn())
}

func onOffState(on bool) hass.State {
	if on {
		return hass.State{Value: hass.StateOn}
	}
	return hass.State{Value: hass.StateOff}
}

func (l *OnOffLight) TurnOn(ctx context.Context) error {
	return l.activation.SetActivationState(ctx, true)
}

func (l *OnOffLight) TurnOff(ctx context.Context) error {
	return l.activation.SetActivationState(ctx, false)
}

func (l *OnOffLight) AddedToHost(w hass.StateWriter) {
	l.activation.SetStateChangedCallback(func(on bool) { w.WriteState(l, onOffState(on)) })
}

func (l *OnOffLight) RemovedFromHost() {
	l.activation.SetStateChangedCallback(nil)
}
