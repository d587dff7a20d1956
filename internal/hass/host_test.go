package hass

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contecbridge/internal/mqtt"
	"contecbridge/pkg/testutil"
)

type fakeEntity struct {
	uid    string
	domain Domain

	mu       sync.Mutex
	state    State
	writer   StateWriter
	removed  bool
	calls    []Command
	failWith error
}

func (f *fakeEntity) UniqueID() string { return f.uid }
func (f *fakeEntity) Name() string     { return "Fake " + f.uid }
func (f *fakeEntity) Domain() Domain   { return f.domain }
func (f *fakeEntity) ShouldPoll() bool { return false }
func (f *fakeEntity) Device() Device {
	return Device{Identifier: "contec_unit_0", Name: "Contec Controller 0", Manufacturer: "Contec", Model: "Controller"}
}

func (f *fakeEntity) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEntity) AddedToHost(w StateWriter) { f.writer = w }
func (f *fakeEntity) RemovedFromHost()          { f.removed = true }

func (f *fakeEntity) record(cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	return f.failWith
}

func (f *fakeEntity) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

type fakeLight struct{ fakeEntity }

func (f *fakeLight) TurnOn(context.Context) error  { return f.record(Command{Action: ActionTurnOn}) }
func (f *fakeLight) TurnOff(context.Context) error { return f.record(Command{Action: ActionTurnOff}) }

type fakeCover struct{ fakeEntity }

func (f *fakeCover) OpenCover(context.Context) error  { return f.record(Command{Action: ActionOpen}) }
func (f *fakeCover) CloseCover(context.Context) error { return f.record(Command{Action: ActionClose}) }
func (f *fakeCover) SetCoverPosition(_ context.Context, p int) error {
	return f.record(Command{Action: ActionSetPosition, Position: p})
}

func newTestHost(t *testing.T, opts ...Option) (*Host, *testutil.MockBroker) {
	t.Helper()
	broker := testutil.NewMockBroker()
	h := NewHost(broker, mqtt.NewTopics("homeassistant", "contec"), 1, zap.NewNop(), opts...)
	require.NoError(t, h.Start())
	return h, broker
}

func TestHost_Start(t *testing.T) {
	h, broker := newTestHost(t)
	assert.True(t, broker.Subscribed("contec/+/+/set"))
	assert.True(t, broker.Subscribed("contec/cover/+/set_position"))
	assert.True(t, broker.Subscribed("homeassistant/status"))

	h.Stop()
	assert.False(t, broker.Subscribed("contec/+/+/set"))
}

func TestHost_AddEntities(t *testing.T) {
	h, broker := newTestHost(t)

	pos := 40
	cover := &fakeCover{fakeEntity{uid: "1-2", domain: DomainCover, state: State{Value: StateOpen, Position: &pos}}}
	light := &fakeLight{fakeEntity{uid: "0-3", domain: DomainLight, state: State{Value: StateOn}}}
	pusher := &fakeEntity{uid: "0-3", domain: DomainBinarySensor, state: State{Value: StateOff}}

	require.NoError(t, h.AddEntities([]Entity{cover, light, pusher}))

	t.Run("cover discovery", func(t *testing.T) {
		raw, ok := broker.Retained("homeassistant/cover/contec/1-2/config")
		require.True(t, ok)

		var cfg map[string]any
		require.NoError(t, json.Unmarshal(raw, &cfg))
		assert.Equal(t, "1-2", cfg["unique_id"])
		assert.Equal(t, "Fake 1-2", cfg["name"])
		assert.Equal(t, "blind", cfg["device_class"])
		assert.Equal(t, "contec/cover/1-2/state", cfg["state_topic"])
		assert.Equal(t, "contec/cover/1-2/set", cfg["command_topic"])
		assert.Equal(t, "contec/cover/1-2/position", cfg["position_topic"])
		assert.Equal(t, "contec/cover/1-2/set_position", cfg["set_position_topic"])
		assert.Equal(t, "contec/status", cfg["availability_topic"])
		assert.Equal(t, float64(100), cfg["position_open"])
		assert.Equal(t, float64(0), cfg["position_closed"])
		assert.Equal(t, "opening", cfg["state_opening"])

		device := cfg["device"].(map[string]any)
		assert.Equal(t, []any{"contec_unit_0"}, device["identifiers"])
		assert.Equal(t, "Contec", device["manufacturer"])
	})

	t.Run("light and binary sensor discovery", func(t *testing.T) {
		raw, ok := broker.Retained("homeassistant/light/contec/0-3/config")
		require.True(t, ok)
		var cfg DiscoveryConfig
		require.NoError(t, json.Unmarshal(raw, &cfg))
		assert.Equal(t, "contec/light/0-3/set", cfg.CommandTopic)
		assert.Equal(t, "ON", cfg.PayloadOn)
		assert.Empty(t, cfg.DeviceClass)

		raw, ok = broker.Retained("homeassistant/binary_sensor/contec/0-3/config")
		require.True(t, ok)
		cfg = DiscoveryConfig{}
		require.NoError(t, json.Unmarshal(raw, &cfg))
		assert.Empty(t, cfg.CommandTopic)
		assert.Equal(t, "OFF", cfg.PayloadOff)
	})

	t.Run("initial states", func(t *testing.T) {
		state, _ := broker.Retained("contec/cover/1-2/state")
		assert.Equal(t, "open", string(state))
		position, _ := broker.Retained("contec/cover/1-2/position")
		assert.Equal(t, "40", string(position))
		state, _ = broker.Retained("contec/light/0-3/state")
		assert.Equal(t, "ON", string(state))
		state, _ = broker.Retained("contec/binary_sensor/0-3/state")
		assert.Equal(t, "OFF", string(state))
	})

	t.Run("entities keyed by domain", func(t *testing.T) {
		assert.Len(t, h.Entities(), 3)
		e, ok := h.Entity(Key{Domain: DomainLight, UniqueID: "0-3"})
		require.True(t, ok)
		assert.Same(t, light, e)
		assert.Same(t, h, cover.writer)
	})
}

func TestHost_WriteStateNotifiesObservers(t *testing.T) {
	h, broker := newTestHost(t)
	light := &fakeLight{fakeEntity{uid: "0-1", domain: DomainLight, state: State{Value: StateOff}}}
	require.NoError(t, h.AddEntities([]Entity{light}))

	var observed []State
	h.AddObserver(func(e Entity, s State) { observed = append(observed, s) })

	light.mu.Lock()
	light.state = State{Value: StateOn}
	light.mu.Unlock()
	broker.ClearPublished()
	h.WriteState(light, State{Value: StateOn})

	require.Len(t, observed, 1)
	assert.Equal(t, StateOn, observed[0].Value)
	msgs := broker.PublishedTo("contec/light/0-1/state")
	require.Len(t, msgs, 1)
	assert.Equal(t, "ON", string(msgs[0].Payload))
	assert.True(t, msgs[0].Retained)

	t.Run("publishes the reported state, not the current one", func(t *testing.T) {
		broker.ClearPublished()
		h.WriteState(light, State{Value: StateOff})

		require.Len(t, observed, 2)
		assert.Equal(t, StateOff, observed[1].Value)
		msgs := broker.PublishedTo("contec/light/0-1/state")
		require.Len(t, msgs, 1)
		assert.Equal(t, "OFF", string(msgs[0].Payload))
	})
}

func TestHost_Commands(t *testing.T) {
	h, broker := newTestHost(t)
	cover := &fakeCover{fakeEntity{uid: "1-2", domain: DomainCover}}
	light := &fakeLight{fakeEntity{uid: "0-1", domain: DomainLight}}
	pusher := &fakeEntity{uid: "0-1", domain: DomainBinarySensor}
	require.NoError(t, h.AddEntities([]Entity{cover, light, pusher}))

	require.NoError(t, broker.Deliver("contec/light/0-1/set", []byte("ON")))
	require.NoError(t, broker.Deliver("contec/light/0-1/set", []byte("off")))
	assert.Equal(t, []Command{{Action: ActionTurnOn}, {Action: ActionTurnOff}}, light.commands())

	require.NoError(t, broker.Deliver("contec/cover/1-2/set", []byte("OPEN")))
	require.NoError(t, broker.Deliver("contec/cover/1-2/set", []byte("CLOSE")))
	require.NoError(t, broker.Deliver("contec/cover/1-2/set_position", []byte("55")))
	assert.Equal(t, []Command{
		{Action: ActionOpen},
		{Action: ActionClose},
		{Action: ActionSetPosition, Position: 55},
	}, cover.commands())

	assert.ErrorIs(t, broker.Deliver("contec/light/9-9/set", []byte("ON")), ErrUnknownEntity)
	assert.ErrorIs(t, broker.Deliver("contec/light/0-1/set", []byte("TOGGLE")), ErrInvalidCommand)
	assert.ErrorIs(t, broker.Deliver("contec/cover/1-2/set_position", []byte("half")), ErrInvalidCommand)
	assert.ErrorIs(t, h.Execute(context.Background(), KeyOf(pusher), Command{Action: ActionTurnOn}), ErrUnsupportedCommand)
	assert.ErrorIs(t, h.Execute(context.Background(), KeyOf(light), Command{Action: ActionOpen}), ErrUnsupportedCommand)

	light.failWith = errors.New("controller offline")
	assert.Error(t, broker.Deliver("contec/light/0-1/set", []byte("ON")))
}

func TestHost_ReadOnly(t *testing.T) {
	h, broker := newTestHost(t, WithReadOnly(true))
	light := &fakeLight{fakeEntity{uid: "0-1", domain: DomainLight}}
	require.NoError(t, h.AddEntities([]Entity{light}))

	require.NoError(t, broker.Deliver("contec/light/0-1/set", []byte("ON")))
	assert.Empty(t, light.commands())
}

func TestHost_RepublishOnHomeAssistantOnline(t *testing.T) {
	h, broker := newTestHost(t)
	light := &fakeLight{fakeEntity{uid: "0-1", domain: DomainLight, state: State{Value: StateOn}}}
	require.NoError(t, h.AddEntities([]Entity{light}))
	broker.ClearPublished()

	require.NoError(t, broker.Deliver("homeassistant/status", []byte("offline")))
	assert.Empty(t, broker.Published())

	require.NoError(t, broker.Deliver("homeassistant/status", []byte("online")))
	assert.Len(t, broker.PublishedTo("homeassistant/light/contec/0-1/config"), 1)
	assert.Len(t, broker.PublishedTo("contec/light/0-1/state"), 1)
}

func TestHost_RemoveEntities(t *testing.T) {
	h, broker := newTestHost(t)
	light := &fakeLight{fakeEntity{uid: "0-1", domain: DomainLight}}
	require.NoError(t, h.AddEntities([]Entity{light}))

	broker.ClearPublished()
	h.RemoveEntities([]Entity{light})
	assert.True(t, light.removed)
	_, ok := h.Entity(KeyOf(light))
	assert.False(t, ok)

	t.Run("discovery config survives", func(t *testing.T) {
		assert.Empty(t, broker.Published())
		config, ok := broker.Retained("homeassistant/light/contec/0-1/config")
		require.True(t, ok)
		assert.NotEmpty(t, config)
	})

	t.Run("stale entity by key", func(t *testing.T) {
		require.NoError(t, broker.Publish("homeassistant/cover/contec/3-0/config", []byte("{}"), 1, true))
		require.NoError(t, h.RemoveDiscovery(Key{Domain: DomainCover, UniqueID: "3-0"}))
		_, ok := broker.Retained("homeassistant/cover/contec/3-0/config")
		assert.False(t, ok)
	})
}

func TestHost_PublishFailure(t *testing.T) {
	h, broker := newTestHost(t)
	broker.SetPublishError(mqtt.ErrNotConnected)

	err := h.AddEntities([]Entity{&fakeLight{fakeEntity{uid: "0-1", domain: DomainLight}}})
	assert.ErrorIs(t, err, mqtt.ErrNotConnected)
}
