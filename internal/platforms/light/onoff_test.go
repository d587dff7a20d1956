package light

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contecbridge/internal/contec"
	"contecbridge/internal/hass"
)

type fakeOnOff struct {
	unit      *contec.ControllerUnit
	start     int
	on        bool
	requested []bool
	callback  func(bool)
}

func (f *fakeOnOff) ControllerUnit() *contec.ControllerUnit { return f.unit }
func (f *fakeOnOff) StartActivationNumber() int             { return f.start }
func (f *fakeOnOff) IsOn() bool                             { return f.on }
func (f *fakeOnOff) SetStateChangedCallback(cb func(bool))  { f.callback = cb }

func (f *fakeOnOff) SetActivationState(_ context.Context, on bool) error {
	f.requested = append(f.requested, on)
	return nil
}

type recordingWriter struct{ writes []hass.State }

func (w *recordingWriter) WriteState(_ hass.Entity, s hass.State) { w.writes = append(w.writes, s) }

func TestOnOffLight(t *testing.T) {
	a := &fakeOnOff{unit: &contec.ControllerUnit{UnitID: 3}, start: 0}
	l := NewOnOffLight(a)

	assert.Equal(t, "3-0", l.UniqueID())
	assert.Equal(t, "Contec Light 3-0", l.Name())
	assert.Equal(t, hass.DomainLight, l.Domain())
	assert.False(t, l.ShouldPoll())
	assert.Equal(t, "contec_unit_3", l.Device().Identifier)

	assert.False(t, l.IsOn())
	a.on = true
	assert.True(t, l.IsOn())
	assert.Equal(t, hass.StateOn, l.State().Value)

	require.NoError(t, l.TurnOn(context.Background()))
	require.NoError(t, l.TurnOff(context.Background()))
	assert.Equal(t, []bool{true, false}, a.requested)
}

func TestOnOffLight_Callback(t *testing.T) {
	a := &fakeOnOff{unit: &contec.ControllerUnit{UnitID: 0}, start: 4}
	l := NewOnOffLight(a)
	w := &recordingWriter{}

	l.AddedToHost(w)
	a.on = true
	a.callback(true)
	a.on = false
	a.callback(false)

	require.Len(t, w.writes, 2)
	assert.Equal(t, hass.StateOn, w.writes[0].Value)
	assert.Equal(t, hass.StateOff, w.writes[1].Value)

	t.Run("writes the reported value, not the current one", func(t *testing.T) {
		w.writes = nil
		a.on = false
		a.callback(true)

		require.Len(t, w.writes, 1)
		assert.Equal(t, hass.StateOn, w.writes[0].Value)
	})

	l.RemovedFromHost()
	assert.Nil(t, a.callback)
}
