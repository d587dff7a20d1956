package integration

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"contecbridge/internal/ha"
	"contecbridge/internal/hass"
)

// EventPusherPressed is fired on the Home Assistant bus when a pusher goes
// from released to pressed.
const EventPusherPressed = "contec_pusher_pressed"

const eventTimeout = 5 * time.Second

// channelIdentity is implemented by entities backed by one controller channel.
type channelIdentity interface {
	UnitID() int
	StartActivationNumber() int
}

// pusherEvents turns pusher state writes into bus events.
type pusherEvents struct {
	notifier ha.HAClient
	logger   *zap.Logger

	mu   sync.Mutex
	last map[hass.Key]string
	wg   sync.WaitGroup
}

func newPusherEvents(notifier ha.HAClient, logger *zap.Logger) *pusherEvents {
	return &pusherEvents{
		notifier: notifier,
		logger:   logger,
		last:     make(map[hass.Key]string),
	}
}

// prime remembers the current state of entities published before their
// entry owned them.
func (p *pusherEvents) prime(entities []hass.Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entities {
		if e.Domain() == hass.DomainBinarySensor {
			p.last[hass.KeyOf(e)] = e.State().Value
		}
	}
}

func (p *pusherEvents) observe(entryID string, e hass.Entity, s hass.State) {
	if e.Domain() != hass.DomainBinarySensor {
		return
	}
	key := hass.KeyOf(e)

	p.mu.Lock()
	previous, seen := p.last[key]
	p.last[key] = s.Value
	p.mu.Unlock()

	// The first write is the initial state, not a press.
	if !seen || previous == hass.StateOn || s.Value != hass.StateOn || p.notifier == nil {
		return
	}

	data := map[string]any{
		"entry_id":  entryID,
		"unique_id": key.UniqueID,
	}
	if id, ok := e.(channelIdentity); ok {
		data["unit_id"] = id.UnitID()
		data["start_activation_number"] = id.StartActivationNumber()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := p.notifier.FireEvent(ctx, EventPusherPressed, data); err != nil {
			p.logger.Debug("Failed to fire pusher event", zap.Stringer("entity", key), zap.Error(err))
		}
	}()
}

func (p *pusherEvents) wait() {
	p.wg.Wait()
}
