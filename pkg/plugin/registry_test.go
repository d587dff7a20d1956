package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockPlugin struct {
	name     string
	startErr error
	started  bool
	stopped  bool
	log      *[]string
}

func (m *mockPlugin) Name() string { return m.name }

func (m *mockPlugin) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	if m.log != nil {
		*m.log = append(*m.log, "start "+m.name)
	}
	return nil
}

func (m *mockPlugin) Stop() {
	m.stopped = true
	if m.log != nil {
		*m.log = append(*m.log, "stop "+m.name)
	}
}

func factoryFor(p *mockPlugin) Factory {
	return func(*Context) (Plugin, error) { return p, nil }
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name        string
		info        PluginInfo
		wantErr     bool
		errContains string
	}{
		{
			name: "valid registration",
			info: PluginInfo{
				Name:        "cover",
				Description: "Contec blinds",
				Priority:    PriorityDefault,
				Factory:     factoryFor(&mockPlugin{name: "cover"}),
			},
		},
		{
			name:        "empty name",
			info:        PluginInfo{Factory: factoryFor(&mockPlugin{})},
			wantErr:     true,
			errContains: "name cannot be empty",
		},
		{
			name:        "nil factory",
			info:        PluginInfo{Name: "light"},
			wantErr:     true,
			errContains: "factory cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			err := registry.Register(tt.info)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPlugin)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistry_Priority(t *testing.T) {
	registry := NewRegistry()
	registry.SetLogger(zap.NewNop())

	require.NoError(t, registry.Register(PluginInfo{
		Name: "light", Description: "default", Priority: PriorityDefault,
		Factory: factoryFor(&mockPlugin{name: "default"}),
	}))
	require.NoError(t, registry.Register(PluginInfo{
		Name: "light", Description: "override", Priority: PriorityOverride,
		Factory: factoryFor(&mockPlugin{name: "override"}),
	}))

	info := registry.Get("light")
	require.NotNil(t, info)
	assert.Equal(t, "override", info.Description)

	t.Run("lower priority skipped", func(t *testing.T) {
		require.NoError(t, registry.Register(PluginInfo{
			Name: "light", Description: "late default", Priority: PriorityDefault,
			Factory: factoryFor(&mockPlugin{name: "late"}),
		}))
		info := registry.Get("light")
		require.NotNil(t, info)
		assert.Equal(t, "override", info.Description)

		p, err := info.Factory(nil)
		require.NoError(t, err)
		assert.Equal(t, "override", p.Name())
	})

	assert.Equal(t, []string{"light"}, registry.Names())
}

func TestRegistry_ListOrder(t *testing.T) {
	registry := NewRegistry()
	for _, info := range []PluginInfo{
		{Name: "light", Order: 30},
		{Name: "binary_sensor", Order: 10},
		{Name: "cover", Order: 20},
		{Name: "alarm"},
		{Name: "switch"},
	} {
		info.Factory = factoryFor(&mockPlugin{name: info.Name})
		require.NoError(t, registry.Register(info))
	}

	var names []string
	for _, info := range registry.List() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"binary_sensor", "cover", "light", "alarm", "switch"}, names)
	assert.Equal(t, DefaultOrder, registry.Get("alarm").Order)
}

func TestRegistry_CreateAll(t *testing.T) {
	registry := NewRegistry()
	ctx := NewContext("default", nil, nil, nil, false)

	var seen []string
	for _, name := range []string{"cover", "binary_sensor"} {
		name := name
		require.NoError(t, registry.Register(PluginInfo{
			Name:  name,
			Order: map[string]int{"binary_sensor": 10, "cover": 20}[name],
			Factory: func(c *Context) (Plugin, error) {
				seen = append(seen, name+"@"+c.EntryID)
				return &mockPlugin{name: name}, nil
			},
		}))
	}

	plugins, err := registry.CreateAll(ctx)
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, []string{"binary_sensor@default", "cover@default"}, seen)
	assert.NotNil(t, ctx.Logger)
}

func TestRegistry_CreateAllStopsCreatedOnError(t *testing.T) {
	registry := NewRegistry()
	first := &mockPlugin{name: "binary_sensor"}
	require.NoError(t, registry.Register(PluginInfo{Name: "binary_sensor", Order: 10, Factory: factoryFor(first)}))
	require.NoError(t, registry.Register(PluginInfo{
		Name:    "cover",
		Order:   20,
		Factory: func(*Context) (Plugin, error) { return nil, errors.New("no blinds") },
	}))

	plugins, err := registry.CreateAll(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create plugin cover")
	assert.Nil(t, plugins)
	assert.True(t, first.stopped)
}

func TestStartAllAndStopAll(t *testing.T) {
	var log []string
	a := &mockPlugin{name: "binary_sensor", log: &log}
	b := &mockPlugin{name: "cover", log: &log}
	c := &mockPlugin{name: "light", log: &log}

	require.NoError(t, StartAll([]Plugin{a, b, c}))
	StopAll([]Plugin{a, b, c})
	assert.Equal(t, []string{
		"start binary_sensor", "start cover", "start light",
		"stop light", "stop cover", "stop binary_sensor",
	}, log)

	t.Run("failure rolls back", func(t *testing.T) {
		log = nil
		a := &mockPlugin{name: "binary_sensor", log: &log}
		b := &mockPlugin{name: "cover", log: &log, startErr: errors.New("host down")}
		c := &mockPlugin{name: "light", log: &log}

		err := StartAll([]Plugin{a, b, c})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to start plugin cover")
		assert.Equal(t, []string{"start binary_sensor", "stop binary_sensor"}, log)
		assert.False(t, c.started)
	})
}

func TestRegistry_Clear(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(PluginInfo{Name: "light", Factory: factoryFor(&mockPlugin{})}))

	registry.Clear()
	assert.Empty(t, registry.Names())
	assert.Nil(t, registry.Get("light"))
}

func TestGlobalRegistry(t *testing.T) {
	assert.Same(t, globalRegistry, Global())
	assert.Panics(t, func() { MustRegister(PluginInfo{Name: ""}) })
}
