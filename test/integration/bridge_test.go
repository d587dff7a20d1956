// Package integration runs the whole bridge in-process: a simulated Contec
// gateway, an in-memory MQTT broker, a mock Home Assistant websocket server,
// the SQLite registry and the HTTP API.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contecbridge/internal/api"
	"contecbridge/internal/config"
	"contecbridge/internal/contec"
	"contecbridge/internal/ha"
	"contecbridge/internal/hass"
	"contecbridge/internal/integration"
	"contecbridge/internal/mqtt"
	_ "contecbridge/internal/platforms/binarysensor"
	_ "contecbridge/internal/platforms/cover"
	_ "contecbridge/internal/platforms/light"
	"contecbridge/internal/store"
	"contecbridge/pkg/testutil"
)

const testToken = "test_token_12345"

type bridge struct {
	sim    *testutil.ContecSimulator
	broker *testutil.MockBroker
	haSrv  *testutil.MockHAServer
	host   *hass.Host
	db     *store.Store
	it     *integration.Integration
	api    *api.Server
	entry  config.EntryConfig
}

func setupBridge(t *testing.T) *bridge {
	t.Helper()
	logger := zap.NewNop()

	sim := testutil.NewContecSimulator(map[int][]contec.ChannelDescription{
		0: {
			{Kind: contec.KindOnOff, Start: 0},
			{Kind: contec.KindPusher, Start: 0},
			{Kind: contec.KindPusher, Start: 4},
		},
		1: {
			{Kind: contec.KindBlind, Start: 2},
			{Kind: contec.KindOnOff, Start: 5},
		},
	})
	require.NoError(t, sim.Start())
	t.Cleanup(sim.Stop)

	haSrv := testutil.NewMockHAServer(testToken)
	t.Cleanup(haSrv.Stop)

	client := ha.NewClient(haSrv.URL(), testToken, logger)
	require.NoError(t, client.Connect())
	t.Cleanup(func() { client.Disconnect() })

	broker := testutil.NewMockBroker()
	host := hass.NewHost(broker, mqtt.NewTopics("homeassistant", "contec"), 1, logger)
	require.NoError(t, host.Start())
	t.Cleanup(host.Stop)

	db, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	it := integration.New(host, logger,
		integration.WithStore(db),
		integration.WithNotifier(client),
		integration.WithConnectTimeout(2*time.Second),
		integration.WithManagerOptions(contec.WithRequestTimeout(300*time.Millisecond)))
	t.Cleanup(func() { it.Close(context.Background()) })

	ip, port := sim.Addr()
	return &bridge{
		sim:    sim,
		broker: broker,
		haSrv:  haSrv,
		host:   host,
		db:     db,
		it:     it,
		api:    api.NewServer(host, it, logger, 0, api.WithHealthCheck("database", db.HealthCheck)),
		entry: config.EntryConfig{
			ID:                  "house",
			NumberOfControllers: 2,
			ControllersIP:       ip,
			ControllersPort:     port,
		},
	}
}

func (b *bridge) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	b.api.Handler().ServeHTTP(w, req)
	return w
}

func TestBridge_Scenario(t *testing.T) {
	b := setupBridge(t)
	ctx := context.Background()

	require.NoError(t, b.it.RunEntry(ctx, b.entry))

	t.Run("every channel is published", func(t *testing.T) {
		assert.Len(t, b.host.Entities(), 5)
		for _, topic := range []string{
			"homeassistant/light/contec/0-0/config",
			"homeassistant/light/contec/1-5/config",
			"homeassistant/binary_sensor/contec/0-0/config",
			"homeassistant/binary_sensor/contec/0-4/config",
			"homeassistant/cover/contec/1-2/config",
		} {
			_, ok := b.broker.Retained(topic)
			assert.True(t, ok, topic)
		}
	})

	t.Run("light from MQTT", func(t *testing.T) {
		require.NoError(t, b.broker.Deliver("contec/light/1-5/set", []byte("ON")))
		report, ok := b.sim.State(1, contec.KindOnOff, 5)
		require.True(t, ok)
		assert.True(t, report.On)
	})

	t.Run("blind from HTTP", func(t *testing.T) {
		w := b.request(t, http.MethodPost, "/api/entities/cover/1-2/command", `{"action":"set_position","position":30}`)
		require.Equal(t, http.StatusOK, w.Code)

		report, ok := b.sim.State(1, contec.KindBlind, 2)
		require.True(t, ok)
		assert.Equal(t, 30, report.Percentage)

		assert.Eventually(t, func() bool {
			position, _ := b.broker.Retained("contec/cover/1-2/position")
			return string(position) == "30"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("pusher press reaches Home Assistant", func(t *testing.T) {
		require.NoError(t, b.sim.PushState(0, contec.StateReport{Kind: contec.KindPusher, Start: 4, On: true}))

		assert.Eventually(t, func() bool {
			return len(testutil.FilterEvents(b.haSrv.Events(), integration.EventPusherPressed)) == 1
		}, 3*time.Second, 20*time.Millisecond)

		event := testutil.FilterEvents(b.haSrv.Events(), integration.EventPusherPressed)[0]
		assert.Equal(t, "0-4", event.EventData["unique_id"])
		assert.Equal(t, float64(4), event.EventData["start_activation_number"])
	})

	t.Run("health", func(t *testing.T) {
		w := b.request(t, http.MethodGet, "/health", "")
		var resp api.HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "ok", resp.Status)
		require.Len(t, resp.Entries, 1)
		assert.Equal(t, "house", resp.Entries[0].ID)
		assert.Equal(t, 5, resp.Entries[0].Entities)
	})

	t.Run("unload keeps Home Assistant entities", func(t *testing.T) {
		ok, err := b.it.UnloadEntry(ctx, "house")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, b.host.Entities())
		config, retained := b.broker.Retained("homeassistant/cover/contec/1-2/config")
		assert.True(t, retained)
		assert.NotEmpty(t, config)

		known, err := b.db.ListEntities(ctx, "house")
		require.NoError(t, err)
		assert.Len(t, known, 5)
	})
}

func TestBridge_StartsBeforeControllers(t *testing.T) {
	b := setupBridge(t)
	b.sim.SetSilent(1, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.it.RunEntry(ctx, b.entry) }()

	assert.Eventually(t, func() bool {
		return testutil.FindServiceCallWithData(b.haSrv.ServiceCalls(),
			"persistent_notification", "create", "notification_id", "contec_house_not_ready") != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, b.it.HasEntry("house"))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("RunEntry did not stop")
	}
}
