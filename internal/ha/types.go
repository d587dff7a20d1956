package ha

import (
	"encoding/json"
	"time"
)

// Message is a websocket message to or from Home Assistant.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is the error block of a failed result.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage is the auth request.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// AuthOkMessage is sent by Home Assistant once authenticated.
type AuthOkMessage struct {
	Type      string `json:"type"`
	HAVersion string `json:"ha_version"`
}

// Event is an event pushed by Home Assistant.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// CallServiceRequest is a call_service command.
type CallServiceRequest struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// FireEventRequest is a fire_event command.
type FireEventRequest struct {
	ID        int            `json:"id"`
	Type      string         `json:"type"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// PingRequest is a ping command, answered with a pong.
type PingRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// Notification is a persistent notification shown in the Home Assistant UI.
type Notification struct {
	ID      string
	Title   string
	Message string
}
