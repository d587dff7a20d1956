// Package testutil provides in-process fakes of everything the bridge talks
// to: the Contec gateway, the MQTT broker and Home Assistant's websocket API.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

type wsMessage struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsRequest struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	AccessToken string         `json:"access_token"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
	EventType   string         `json:"event_type"`
	EventData   map[string]any `json:"event_data"`
}

// MockHAServer is a Home Assistant websocket API that authenticates one
// token and records every service call and fired event.
type MockHAServer struct {
	server *httptest.Server
	token  string

	mu           sync.Mutex
	connections  []*connWrapper
	serviceCalls []ServiceCall
	events       []FiredEvent
	failServices map[string]bool
}

// NewMockHAServer starts a server on an ephemeral local port.
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:        token,
		failServices: make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the websocket URL of the server.
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the listener.
func (s *MockHAServer) Stop() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes the open websocket connections.
func (s *MockHAServer) DropConnections() {
	s.mu.Lock()
	conns := s.connections
	s.connections = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

// FailService makes calls to domain.service answer with an error result.
func (s *MockHAServer) FailService(domain, service string) {
	s.mu.Lock()
	s.failServices[domain+"."+service] = true
	s.mu.Unlock()
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}

	s.mu.Lock()
	s.connections = append(s.connections, wrapper)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		conn.Close()
	}()

	if err := wrapper.writeJSON(wsMessage{Type: "auth_required"}); err != nil {
		return
	}
	var auth wsRequest
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.writeJSON(wsMessage{Type: "auth_invalid"})
		return
	}
	if err := wrapper.writeJSON(wsMessage{Type: "auth_ok"}); err != nil {
		return
	}

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.handleRequest(wrapper, req)
	}
}

func (s *MockHAServer) handleRequest(wrapper *connWrapper, req wsRequest) {
	success := true
	resp := wsMessage{ID: req.ID, Type: "result", Success: &success}

	switch req.Type {
	case "ping":
		wrapper.writeJSON(wsMessage{ID: req.ID, Type: "pong"})
		return

	case "call_service":
		s.mu.Lock()
		fail := s.failServices[req.Domain+"."+req.Service]
		if !fail {
			s.serviceCalls = append(s.serviceCalls, ServiceCall{
				Timestamp:   time.Now(),
				Domain:      req.Domain,
				Service:     req.Service,
				ServiceData: req.ServiceData,
			})
		}
		s.mu.Unlock()
		if fail {
			success = false
			resp.Error = &wsError{Code: "service_validation_error", Message: "Service failed"}
		}

	case "fire_event":
		s.mu.Lock()
		s.events = append(s.events, FiredEvent{
			Timestamp: time.Now(),
			EventType: req.EventType,
			EventData: req.EventData,
		})
		s.mu.Unlock()

	default:
		success = false
		resp.Error = &wsError{Code: "unknown_command", Message: "Unknown command " + req.Type}
	}

	wrapper.writeJSON(resp)
}

// ServiceCalls returns the recorded service calls.
func (s *MockHAServer) ServiceCalls() []ServiceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServiceCall(nil), s.serviceCalls...)
}

// Events returns the recorded events.
func (s *MockHAServer) Events() []FiredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FiredEvent(nil), s.events...)
}

// Clear forgets recorded calls and events.
func (s *MockHAServer) Clear() {
	s.mu.Lock()
	s.serviceCalls = nil
	s.events = nil
	s.mu.Unlock()
}

// ConnectionCount returns the number of open websocket connections.
func (s *MockHAServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}
