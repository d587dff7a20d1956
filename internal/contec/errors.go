package contec

import "errors"

var (
	// ErrNotConnected is returned when a request needs the gateway connection
	// but it is down.
	ErrNotConnected = errors.New("contec: not connected")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("contec: manager closed")

	// ErrTimeout is returned when a controller does not answer in time.
	ErrTimeout = errors.New("contec: controller did not respond")

	// ErrNack is returned when a controller rejects a command.
	ErrNack = errors.New("contec: command rejected by controller")

	// ErrInvalidFrame is returned for frames that cannot be decoded.
	ErrInvalidFrame = errors.New("contec: invalid frame")

	// ErrProtocolDesync is returned when the stream can no longer be framed.
	// The connection is dropped and re-established.
	ErrProtocolDesync = errors.New("contec: protocol desync")

	// ErrInvalidConfiguration is returned by ConnectivityConfiguration.Validate.
	ErrInvalidConfiguration = errors.New("contec: invalid connectivity configuration")
)
