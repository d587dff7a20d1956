package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contecbridge/internal/hass"
	"contecbridge/internal/integration"
	"contecbridge/internal/mqtt"
	"contecbridge/pkg/testutil"
)

type fakeLight struct {
	uid     string
	mu      sync.Mutex
	on      bool
	failing error
	writer  hass.StateWriter
}

func (l *fakeLight) UniqueID() string    { return l.uid }
func (l *fakeLight) Name() string        { return "Contec Light " + l.uid }
func (l *fakeLight) Domain() hass.Domain { return hass.DomainLight }
func (l *fakeLight) ShouldPoll() bool    { return false }
func (l *fakeLight) Device() hass.Device { return hass.Device{Identifier: "contec_unit_0"} }

func (l *fakeLight) State() hass.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.on {
		return hass.State{Value: hass.StateOn}
	}
	return hass.State{Value: hass.StateOff}
}

func (l *fakeLight) AddedToHost(w hass.StateWriter) { l.writer = w }
func (l *fakeLight) RemovedFromHost()               {}

func (l *fakeLight) set(on bool) error {
	l.mu.Lock()
	if l.failing != nil {
		l.mu.Unlock()
		return l.failing
	}
	l.on = on
	l.mu.Unlock()
	l.writer.WriteState(l, l.State())
	return nil
}

func (l *fakeLight) TurnOn(context.Context) error  { return l.set(true) }
func (l *fakeLight) TurnOff(context.Context) error { return l.set(false) }

type fakePusher struct{ uid string }

func (p *fakePusher) UniqueID() string             { return p.uid }
func (p *fakePusher) Name() string                 { return "Contec Pusher " + p.uid }
func (p *fakePusher) Domain() hass.Domain          { return hass.DomainBinarySensor }
func (p *fakePusher) ShouldPoll() bool             { return false }
func (p *fakePusher) Device() hass.Device          { return hass.Device{Identifier: "contec_unit_0"} }
func (p *fakePusher) State() hass.State            { return hass.State{Value: hass.StateOff} }
func (p *fakePusher) AddedToHost(hass.StateWriter) {}
func (p *fakePusher) RemovedFromHost()             {}

type fakeStatus []integration.EntryStatus

func (f fakeStatus) Status() []integration.EntryStatus { return f }

func newTestServer(t *testing.T, status fakeStatus, opts ...Option) (*Server, *fakeLight) {
	t.Helper()
	host := hass.NewHost(testutil.NewMockBroker(), mqtt.NewTopics("homeassistant", "contec"), 1, zap.NewNop())
	light := &fakeLight{uid: "0-3"}
	require.NoError(t, host.AddEntities([]hass.Entity{light, &fakePusher{uid: "0-3"}}))
	return NewServer(host, status, zap.NewNop(), 0, opts...), light
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s, _ := newTestServer(t, fakeStatus{{ID: "default", Connected: true, Controllers: 2, Entities: 5}})
		w := do(t, s, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "ok", resp.Status)
		require.Len(t, resp.Entries, 1)
		assert.Equal(t, 5, resp.Entries[0].Entities)
	})

	t.Run("disconnected entry", func(t *testing.T) {
		s, _ := newTestServer(t, fakeStatus{{ID: "default"}})
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(do(t, s, http.MethodGet, "/health", "").Body).Decode(&resp))
		assert.Equal(t, "degraded", resp.Status)
	})

	t.Run("failing check", func(t *testing.T) {
		s, _ := newTestServer(t, nil,
			WithHealthCheck("database", func(context.Context) error { return nil }),
			WithHealthCheck("influxdb", func(context.Context) error { return errors.New("unreachable") }))
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(do(t, s, http.MethodGet, "/health", "").Body).Decode(&resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, map[string]string{"database": "ok", "influxdb": "unreachable"}, resp.Checks)
	})
}

func TestEntities(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("list", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/entities", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Entities []EntityView `json:"entities"`
			Count    int          `json:"count"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, "binary_sensor", resp.Entities[0].Domain)
		assert.Equal(t, "light", resp.Entities[1].Domain)
		assert.Equal(t, "0-3", resp.Entities[1].UniqueID)
	})

	t.Run("get by domain and id", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/entities/light/0-3", "")
		require.Equal(t, http.StatusOK, w.Code)
		var view EntityView
		require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
		assert.Equal(t, "Contec Light 0-3", view.Name)
		assert.Equal(t, hass.StateOff, view.State)
		assert.Nil(t, view.Position)
		assert.Equal(t, "contec_unit_0", view.Device)
	})

	t.Run("unknown", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/entities/cover/0-3", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		var e Error
		require.NoError(t, json.NewDecoder(w.Body).Decode(&e))
		assert.Equal(t, ErrCodeNotFound, e.Code)
	})
}

func TestCommand(t *testing.T) {
	s, light := newTestServer(t, nil)

	t.Run("turn on", func(t *testing.T) {
		w := do(t, s, http.MethodPost, "/api/entities/light/0-3/command", `{"action":"turn_on"}`)
		require.Equal(t, http.StatusOK, w.Code)
		var view EntityView
		require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
		assert.Equal(t, hass.StateOn, view.State)
	})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"invalid json", "/api/entities/light/0-3/command", `{`, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown action", "/api/entities/light/0-3/command", `{"action":"toggle"}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"position out of range", "/api/entities/cover/1-2/command", `{"action":"set_position","position":140}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"unsupported", "/api/entities/binary_sensor/0-3/command", `{"action":"turn_on"}`, http.StatusBadRequest, ErrCodeUnsupported},
		{"unknown entity", "/api/entities/cover/1-2/command", `{"action":"open"}`, http.StatusNotFound, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			var e Error
			require.NoError(t, json.NewDecoder(w.Body).Decode(&e))
			assert.Equal(t, tt.code, e.Code)
		})
	}

	t.Run("controller failure", func(t *testing.T) {
		light.mu.Lock()
		light.failing = errors.New("contec: controller did not respond")
		light.mu.Unlock()

		w := do(t, s, http.MethodPost, "/api/entities/light/0-3/command", `{"action":"turn_off"}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/entities/light/0-3/command", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/health", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestSitemap(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("plain text", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), "/api/entities/{domain}/{uid}/command")
	})

	t.Run("html", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/nope", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), "<h1>Contec Bridge API</h1>")
	})
}

func TestRecovery(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.router.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	w := do(t, s, http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStartStop(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.NoError(t, s.Start())
	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)

	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
}
