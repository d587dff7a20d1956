package history

import "errors"

var (
	// ErrDisabled is returned by Connect when history is not configured.
	ErrDisabled = errors.New("history: disabled in configuration")

	// ErrConnectionFailed is returned when InfluxDB does not answer its ping.
	ErrConnectionFailed = errors.New("history: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("history: not connected")
)
