// Package ha is a minimal Home Assistant websocket API client. The bridge
// uses it to fire events and to manage persistent notifications; entities
// themselves travel over MQTT.
package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
)

var (
	// ErrNotConnected is returned for requests while the websocket is down.
	ErrNotConnected = errors.New("ha: not connected")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("ha: already connected")

	// ErrAuthFailed is returned when Home Assistant rejects the token.
	ErrAuthFailed = errors.New("ha: authentication failed")

	// ErrRequestFailed is returned when Home Assistant answers with an error.
	ErrRequestFailed = errors.New("ha: request failed")

	// ErrTimeout is returned when no result arrives in time.
	ErrTimeout = errors.New("ha: timeout waiting for response")
)

// HAClient is the Home Assistant API surface the bridge uses.
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
	CreatePersistentNotification(ctx context.Context, n Notification) error
	DismissPersistentNotification(ctx context.Context, notificationID string) error
}

// Client implements HAClient over the websocket API.
type Client struct {
	url            string
	token          string
	logger         *zap.Logger
	requestTimeout time.Duration

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	reconnect bool
	ctx       context.Context
	cancel    context.CancelFunc

	// writeMu serialises websocket writes.
	writeMu sync.Mutex

	msgIDMu sync.Mutex
	msgID   int

	pendingMu sync.Mutex
	pending   map[int]chan Message
}

// NewClient creates a client for the websocket URL, e.g.
// ws://homeassistant.local:8123/api/websocket.
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:            url,
		token:          token,
		logger:         logger.Named("ha"),
		requestTimeout: defaultRequestTimeout,
		pending:        make(map[int]chan Message),
		ctx:            ctx,
		cancel:         cancel,
		reconnect:      true,
	}
}

// SetRequestTimeout changes how long requests wait for their result.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.requestTimeout = d
}

// Connect dials the websocket and runs the auth flow.
func (c *Client) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return ErrAlreadyConnected
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant")

	go c.receiveMessages(c.ctx, conn)
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthFailed
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the websocket and stops reconnecting.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.cancel()
	if !c.connected {
		return nil
	}
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected reports whether the websocket is authenticated and up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// send writes a request carrying msgID and waits for its result.
func (c *Client) send(ctx context.Context, msgID int, msg any) (*Message, error) {
	c.connMu.RLock()
	conn, connected, clientCtx := c.conn, c.connected, c.ctx
	c.connMu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%w: %s - %s", ErrRequestFailed, resp.Error.Code, resp.Error.Message)
			}
			return nil, ErrRequestFailed
		}
		return &resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-clientCtx.Done():
		return nil, ErrNotConnected
	}
}

func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}

		if msg.Type == "event" || msg.ID == 0 {
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			select {
			case ch <- msg:
			default:
				c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	conn.Close()
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")
	if reconnect {
		go c.attemptReconnect()
	}
}

func (c *Client) attemptReconnect() {
	c.connMu.RLock()
	ctx := c.ctx
	c.connMu.RUnlock()

	backoff := reconnectInitialDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect")
		err := c.Connect()
		if err == nil || errors.Is(err, ErrAlreadyConnected) {
			c.logger.Info("Reconnected successfully")
			return
		}

		c.logger.Error("Reconnection failed", zap.Error(err))
		backoff *= 2
		if backoff > reconnectMaxDelay {
			backoff = reconnectMaxDelay
		}
	}
}

// Ping checks the round trip to Home Assistant.
func (c *Client) Ping(ctx context.Context) error {
	id := c.nextMsgID()
	resp, err := c.send(ctx, id, &PingRequest{ID: id, Type: "ping"})
	if err != nil {
		return err
	}
	if resp.Type != "pong" {
		return fmt.Errorf("%w: expected pong, got %s", ErrRequestFailed, resp.Type)
	}
	return nil
}

// CallService calls a Home Assistant service.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	id := c.nextMsgID()
	_, err := c.send(ctx, id, &CallServiceRequest{
		ID:          id,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	if err != nil {
		return fmt.Errorf("failed to call %s.%s: %w", domain, service, err)
	}
	return nil
}

// FireEvent fires an event on Home Assistant's event bus.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	id := c.nextMsgID()
	_, err := c.send(ctx, id, &FireEventRequest{
		ID:        id,
		Type:      "fire_event",
		EventType: eventType,
		EventData: data,
	})
	if err != nil {
		return fmt.Errorf("failed to fire %s: %w", eventType, err)
	}
	return nil
}

// CreatePersistentNotification shows or replaces a notification.
func (c *Client) CreatePersistentNotification(ctx context.Context, n Notification) error {
	data := map[string]any{
		"message":         n.Message,
		"notification_id": n.ID,
	}
	if n.Title != "" {
		data["title"] = n.Title
	}
	return c.CallService(ctx, "persistent_notification", "create", data)
}

// DismissPersistentNotification removes a notification.
func (c *Client) DismissPersistentNotification(ctx context.Context, notificationID string) error {
	return c.CallService(ctx, "persistent_notification", "dismiss", map[string]any{
		"notification_id": notificationID,
	})
}
