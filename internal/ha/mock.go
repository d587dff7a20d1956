package ha

import (
	"context"
	"sync"
	"time"
)

// ServiceCall records a service call made on MockClient.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
	Time    time.Time
}

// FiredEvent records an event fired on MockClient.
type FiredEvent struct {
	EventType string
	Data      map[string]any
	Time      time.Time
}

// MockClient implements HAClient in memory.
type MockClient struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	requestErr   error
	serviceCalls []ServiceCall
	events       []FiredEvent
}

// NewMockClient creates a disconnected mock.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SetConnectError makes Connect fail with err.
func (m *MockClient) SetConnectError(err error) {
	m.mu.Lock()
	m.connectErr = err
	m.mu.Unlock()
}

// SetRequestError makes every service call and event fail with err.
func (m *MockClient) SetRequestError(err error) {
	m.mu.Lock()
	m.requestErr = err
	m.mu.Unlock()
}

func (m *MockClient) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	if m.connected {
		return ErrAlreadyConnected
	}
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockClient) CallService(_ context.Context, domain, service string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if m.requestErr != nil {
		return m.requestErr
	}
	m.serviceCalls = append(m.serviceCalls, ServiceCall{Domain: domain, Service: service, Data: data, Time: time.Now()})
	return nil
}

func (m *MockClient) FireEvent(_ context.Context, eventType string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if m.requestErr != nil {
		return m.requestErr
	}
	m.events = append(m.events, FiredEvent{EventType: eventType, Data: data, Time: time.Now()})
	return nil
}

func (m *MockClient) CreatePersistentNotification(ctx context.Context, n Notification) error {
	data := map[string]any{"message": n.Message, "notification_id": n.ID}
	if n.Title != "" {
		data["title"] = n.Title
	}
	return m.CallService(ctx, "persistent_notification", "create", data)
}

func (m *MockClient) DismissPersistentNotification(ctx context.Context, notificationID string) error {
	return m.CallService(ctx, "persistent_notification", "dismiss", map[string]any{"notification_id": notificationID})
}

// ServiceCalls returns the recorded service calls.
func (m *MockClient) ServiceCalls() []ServiceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceCall(nil), m.serviceCalls...)
}

// Events returns the recorded events.
func (m *MockClient) Events() []FiredEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FiredEvent(nil), m.events...)
}

// Reset clears recorded calls and events.
func (m *MockClient) Reset() {
	m.mu.Lock()
	m.serviceCalls = nil
	m.events = nil
	m.mu.Unlock()
}
