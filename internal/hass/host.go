package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"contecbridge/internal/mqtt"
)

const defaultCommandTimeout = 10 * time.Second

// Broker is the part of the MQTT client the host uses.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// StateObserver is told about every state the host writes.
type StateObserver func(e Entity, s State)

// Key identifies an entity; unique IDs are only unique within a domain.
type Key struct {
	Domain   Domain
	UniqueID string
}

func (k Key) String() string {
	return string(k.Domain) + "/" + k.UniqueID
}

// KeyOf returns the key of e.
func KeyOf(e Entity) Key {
	return Key{Domain: e.Domain(), UniqueID: e.UniqueID()}
}

// Option configures a Host.
type Option func(*Host)

// WithReadOnly makes the host log commands instead of executing them.
func WithReadOnly(readOnly bool) Option {
	return func(h *Host) { h.readOnly = readOnly }
}

// WithCommandTimeout bounds the execution of one command from MQTT.
func WithCommandTimeout(d time.Duration) Option {
	return func(h *Host) { h.commandTimeout = d }
}

// Host publishes entities and routes Home Assistant commands to them.
//
// Thread Safety: all methods are safe for concurrent use.
type Host struct {
	broker         Broker
	topics         mqtt.Topics
	qos            byte
	logger         *zap.Logger
	readOnly       bool
	commandTimeout time.Duration

	mu        sync.RWMutex
	entities  map[Key]Entity
	observers []StateObserver
}

// NewHost creates a host publishing through broker.
func NewHost(broker Broker, topics mqtt.Topics, qos byte, logger *zap.Logger, opts ...Option) *Host {
	h := &Host{
		broker:         broker,
		topics:         topics,
		qos:            qos,
		logger:         logger.Named("hass"),
		commandTimeout: defaultCommandTimeout,
		entities:       make(map[Key]Entity),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to command topics and to Home Assistant's status topic.
func (h *Host) Start() error {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{h.topics.CommandWildcard(), h.handleCommand},
		{h.topics.SetPositionWildcard(), h.handleSetPosition},
		{h.topics.HomeAssistantStatus(), h.handleStatus},
	}
	for _, s := range subs {
		if err := h.broker.Subscribe(s.topic, h.qos, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	}

	h.logger.Info("Entity host started",
		zap.String("discovery_prefix", h.topics.DiscoveryPrefix),
		zap.String("base_topic", h.topics.Base),
		zap.Bool("read_only", h.readOnly))
	return nil
}

// Stop unsubscribes from every topic subscribed by Start.
func (h *Host) Stop() {
	for _, topic := range []string{h.topics.CommandWildcard(), h.topics.SetPositionWildcard(), h.topics.HomeAssistantStatus()} {
		if err := h.broker.Unsubscribe(topic); err != nil {
			h.logger.Debug("Failed to unsubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// AddObserver registers an observer for state writes.
func (h *Host) AddObserver(o StateObserver) {
	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()
}

// AddEntities registers entities, publishes their discovery config and
// current state, and hands them the host as their StateWriter.
func (h *Host) AddEntities(entities []Entity) error {
	for _, e := range entities {
		key := KeyOf(e)

		h.mu.Lock()
		_, exists := h.entities[key]
		h.entities[key] = e
		h.mu.Unlock()
		if exists {
			h.logger.Warn("Replacing already registered entity", zap.Stringer("entity", key))
		}

		if err := h.publishDiscovery(e); err != nil {
			return err
		}
		e.AddedToHost(h)
		h.WriteState(e, e.State())

		h.logger.Debug("Entity added",
			zap.Stringer("entity", key),
			zap.String("name", e.Name()),
			zap.Bool("should_poll", e.ShouldPoll()))
	}
	return nil
}

// RemoveEntities unregisters entities and detaches them from their source.
// Their retained discovery configs stay on the broker, so Home Assistant keeps
// the entities and their history across a reload or restart.
func (h *Host) RemoveEntities(entities []Entity) {
	for _, e := range entities {
		key := KeyOf(e)

		h.mu.Lock()
		registered, ok := h.entities[key]
		if ok && registered == e {
			delete(h.entities, key)
		}
		h.mu.Unlock()

		e.RemovedFromHost()
		h.logger.Debug("Entity removed", zap.Stringer("entity", key))
	}
}

// RemoveDiscovery publishes an empty retained config, which makes Home
// Assistant delete the entity. It also works for entities that are no
// longer registered.
func (h *Host) RemoveDiscovery(key Key) error {
	topic := h.topics.Discovery(string(key.Domain), key.UniqueID)
	if err := h.broker.Publish(topic, nil, h.qos, true); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Entity returns a registered entity.
func (h *Host) Entity(key Key) (Entity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entities[key]
	return e, ok
}

// Entities returns all registered entities ordered by domain and unique ID.
func (h *Host) Entities() []Entity {
	h.mu.RLock()
	list := make([]Entity, 0, len(h.entities))
	for _, e := range h.entities {
		list = append(list, e)
	}
	h.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Domain() != list[j].Domain() {
			return list[i].Domain() < list[j].Domain()
		}
		return list[i].UniqueID() < list[j].UniqueID()
	})
	return list
}

// WriteState publishes s for the entity and notifies observers.
func (h *Host) WriteState(e Entity, s State) {
	uid := e.UniqueID()
	component := string(e.Domain())

	if err := h.broker.Publish(h.topics.State(component, uid), []byte(statePayload(e.Domain(), s)), h.qos, true); err != nil {
		h.logger.Warn("Failed to publish state", zap.String("entity", uid), zap.Error(err))
	}
	if s.Position != nil {
		if err := h.broker.Publish(h.topics.Position(uid), []byte(strconv.Itoa(*s.Position)), h.qos, true); err != nil {
			h.logger.Warn("Failed to publish position", zap.String("entity", uid), zap.Error(err))
		}
	}

	h.mu.RLock()
	observers := append([]StateObserver(nil), h.observers...)
	h.mu.RUnlock()
	for _, o := range observers {
		o(e, s)
	}
}

// Execute runs a command against a registered entity. In read-only mode the
// command is logged and dropped.
func (h *Host) Execute(ctx context.Context, key Key, cmd Command) error {
	e, ok := h.Entity(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, key)
	}

	if h.readOnly {
		h.logger.Info("READ-ONLY: would execute command",
			zap.Stringer("entity", key),
			zap.String("action", string(cmd.Action)),
			zap.Int("position", cmd.Position))
		return nil
	}

	h.logger.Debug("Executing command",
		zap.Stringer("entity", key),
		zap.String("action", string(cmd.Action)),
		zap.Int("position", cmd.Position))
	return Execute(ctx, e, cmd)
}

// Republish sends every discovery config and state again.
func (h *Host) Republish() {
	for _, e := range h.Entities() {
		if err := h.publishDiscovery(e); err != nil {
			h.logger.Warn("Failed to republish discovery", zap.Stringer("entity", KeyOf(e)), zap.Error(err))
			continue
		}
		h.WriteState(e, e.State())
	}
}

func (h *Host) publishDiscovery(e Entity) error {
	payload, err := json.Marshal(BuildDiscoveryConfig(h.topics, e))
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	topic := h.topics.Discovery(string(e.Domain()), e.UniqueID())
	if err := h.broker.Publish(topic, payload, h.qos, true); err != nil {
		return fmt.Errorf("failed to publish discovery for %s: %w", KeyOf(e), err)
	}
	return nil
}

// handleCommand serves {base}/{component}/{uid}/set.
func (h *Host) handleCommand(topic string, payload []byte) error {
	key, ok := h.parseTopic(topic, "set")
	if !ok {
		return fmt.Errorf("%w: unexpected command topic %s", ErrInvalidCommand, topic)
	}

	var cmd Command
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case PayloadOn:
		cmd.Action = ActionTurnOn
	case PayloadOff:
		cmd.Action = ActionTurnOff
	case PayloadOpen:
		cmd.Action = ActionOpen
	case PayloadClose:
		cmd.Action = ActionClose
	default:
		return fmt.Errorf("%w: payload %q on %s", ErrInvalidCommand, payload, topic)
	}
	return h.executeFromBroker(key, cmd)
}

// handleSetPosition serves {base}/cover/{uid}/set_position.
func (h *Host) handleSetPosition(topic string, payload []byte) error {
	key, ok := h.parseTopic(topic, "set_position")
	if !ok {
		return fmt.Errorf("%w: unexpected position topic %s", ErrInvalidCommand, topic)
	}

	position, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return fmt.Errorf("%w: position %q: %w", ErrInvalidCommand, payload, err)
	}
	return h.executeFromBroker(key, Command{Action: ActionSetPosition, Position: position})
}

func (h *Host) executeFromBroker(key Key, cmd Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.commandTimeout)
	defer cancel()

	if err := h.Execute(ctx, key, cmd); err != nil {
		return fmt.Errorf("command %s on %s failed: %w", cmd.Action, key, err)
	}
	return nil
}

// handleStatus republishes everything when Home Assistant comes back online.
func (h *Host) handleStatus(_ string, payload []byte) error {
	if strings.TrimSpace(string(payload)) != mqtt.PayloadOnline {
		return nil
	}
	h.logger.Info("Home Assistant online, republishing entities")
	h.Republish()
	return nil
}

// parseTopic extracts the entity key from {base}/{component}/{uid}/{suffix}.
func (h *Host) parseTopic(topic, suffix string) (Key, bool) {
	rest, ok := strings.CutPrefix(topic, h.topics.Base+"/")
	if !ok {
		return Key{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != suffix || parts[1] == "" {
		return Key{}, false
	}
	return Key{Domain: Domain(parts[0]), UniqueID: parts[1]}, true
}
