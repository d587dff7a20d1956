package contec

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BlindState is the movement a blind reports.
type BlindState uint8

const (
	BlindStateStopped    BlindState = 0
	BlindStateMovingUp   BlindState = 1
	BlindStateMovingDown BlindState = 2
)

func (s BlindState) String() string {
	switch s {
	case BlindStateStopped:
		return "stopped"
	case BlindStateMovingUp:
		return "moving_up"
	case BlindStateMovingDown:
		return "moving_down"
	default:
		return fmt.Sprintf("blind_state(%d)", uint8(s))
	}
}

func (s BlindState) valid() bool {
	return s <= BlindStateMovingDown
}

// ControllerUnit is one controller board behind the gateway.
type ControllerUnit struct {
	UnitID int

	// commands holds one slot: a controller processes one command at a time.
	commands *semaphore.Weighted
}

func newControllerUnit(id int) *ControllerUnit {
	return &ControllerUnit{
		UnitID:   id,
		commands: semaphore.NewWeighted(1),
	}
}

// commander sends a command frame and waits for its acknowledgement.
type commander interface {
	command(ctx context.Context, unit *ControllerUnit, op Opcode, start uint8, payload []byte) error
}

type activationKey struct {
	unit  int
	start uint8
	kind  ActivationKind
}

type activationBase struct {
	unit  *ControllerUnit
	start uint8
	cmd   commander
}

// ControllerUnit returns the controller the channel belongs to.
func (a *activationBase) ControllerUnit() *ControllerUnit {
	return a.unit
}

// StartActivationNumber returns the first output/input number of the channel.
func (a *activationBase) StartActivationNumber() int {
	return int(a.start)
}

// PusherActivation is a push-button input.
type PusherActivation struct {
	activationBase

	mu       sync.RWMutex
	isPushed bool
	onChange func(isPushed bool)
}

// IsPushed reports whether the button is currently pressed.
func (p *PusherActivation) IsPushed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isPushed
}

// SetStateChangedCallback replaces the state-changed callback.
func (p *PusherActivation) SetStateChangedCallback(cb func(isPushed bool)) {
	p.mu.Lock()
	p.onChange = cb
	p.mu.Unlock()
}

// apply stores a report and returns the notification to run, if any.
func (p *PusherActivation) apply(r StateReport) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.isPushed = r.On
	cb := p.onChange
	if cb == nil {
		return nil
	}
	value := r.On
	return func() { cb(value) }
}

// BlindActivation is a blind/shutter motor driven by two outputs.
type BlindActivation struct {
	activationBase

	mu                sync.RWMutex
	direction         BlindState
	openingPercentage int
	onChange          func(direction BlindState, openingPercentage int)
}

// MovingDirection returns the current movement.
func (b *BlindActivation) MovingDirection() BlindState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.direction
}

// BlindOpeningPercentage returns the current opening, 0 is closed and 100 fully open.
func (b *BlindActivation) BlindOpeningPercentage() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.openingPercentage
}

// SetBlindsState moves the blind to the given opening percentage.
// Values outside 0..100 are clamped.
func (b *BlindActivation) SetBlindsState(ctx context.Context, openingPercentage int) error {
	if openingPercentage < 0 {
		openingPercentage = 0
	}
	if openingPercentage > 100 {
		openingPercentage = 100
	}
	return b.cmd.command(ctx, b.unit, OpSetBlind, b.start, []byte{b.start, byte(openingPercentage)})
}

// SetStateChangedCallback replaces the state-changed callback.
func (b *BlindActivation) SetStateChangedCallback(cb func(direction BlindState, openingPercentage int)) {
	b.mu.Lock()
	b.onChange = cb
	b.mu.Unlock()
}

func (b *BlindActivation) apply(r StateReport) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.direction = r.Direction
	b.openingPercentage = r.Percentage
	cb := b.onChange
	if cb == nil {
		return nil
	}
	direction, percentage := r.Direction, r.Percentage
	return func() { cb(direction, percentage) }
}

// OnOffActivation is a switched output, typically a light.
type OnOffActivation struct {
	activationBase

	mu       sync.RWMutex
	isOn     bool
	onChange func(isOn bool)
}

// IsOn reports whether the output is on.
func (o *OnOffActivation) IsOn() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isOn
}

// SetActivationState switches the output.
func (o *OnOffActivation) SetActivationState(ctx context.Context, on bool) error {
	return o.cmd.command(ctx, o.unit, OpSetOnOff, o.start, []byte{o.start, boolByte(on)})
}

// SetStateChangedCallback replaces the state-changed callback.
func (o *OnOffActivation) SetStateChangedCallback(cb func(isOn bool)) {
	o.mu.Lock()
	o.onChange = cb
	o.mu.Unlock()
}

func (o *OnOffActivation) apply(r StateReport) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.isOn = r.On
	cb := o.onChange
	if cb == nil {
		return nil
	}
	value := r.On
	return func() { cb(value) }
}

// reportable is implemented by every activation type.
type reportable interface {
	apply(r StateReport) func()
}
