package contec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shimmeringbee/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDialTimeout       = 5 * time.Second
	defaultRequestTimeout    = 2 * time.Second
	defaultWriteTimeout      = 2 * time.Second
	defaultCommandRetries    = 3
	defaultReconnectInterval = time.Second
	maxReconnectInterval     = 30 * time.Second

	// connectPollInterval is how often IsConnected re-pings the controllers.
	connectPollInterval = 250 * time.Millisecond

	// callbackQueueSize bounds state-changed notifications waiting for delivery.
	callbackQueueSize = 256
)

type options struct {
	dialTimeout       time.Duration
	requestTimeout    time.Duration
	commandRetries    int
	reconnectInterval time.Duration
}

// Option tunes a Manager.
type Option func(*options)

// WithDialTimeout sets the timeout for each TCP connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithRequestTimeout sets how long to wait for a single controller reply.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithCommandRetries sets how many times an unacknowledged command is resent.
func WithCommandRetries(n int) Option {
	return func(o *options) { o.commandRetries = n }
}

// WithReconnectInterval sets the initial delay between connection attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(o *options) { o.reconnectInterval = d }
}

// Stats holds connection counters.
type Stats struct {
	FramesTx         uint64
	FramesRx         uint64
	CallbacksDropped uint64
	ErrorsTotal      uint64
	ReconnectsTotal  uint64
	Connected        bool
	LastActivity     time.Time
}

// pendingKey identifies the reply a request waits for. sub is the acknowledged
// opcode for acks and the channel kind for state reports.
type pendingKey struct {
	unit   uint8
	opcode Opcode
	start  uint8
	sub    uint8
}

// Manager owns the gateway connection and every activation discovered on it.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	cfg    ConnectivityConfiguration
	opts   options
	logger *zap.Logger

	connMu    sync.RWMutex
	conn      net.Conn
	connected bool
	writeMu   sync.Mutex

	pendingMu sync.Mutex
	pending   map[pendingKey][]chan Frame

	units []*ControllerUnit

	actMu       sync.RWMutex
	activations map[activationKey]reportable
	pushers     []*PusherActivation
	blinds      []*BlindActivation
	onOffs      []*OnOffActivation

	callbacks chan func()

	initOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	framesTx         atomic.Uint64
	framesRx         atomic.Uint64
	callbacksDropped atomic.Uint64
	errorsTotal      atomic.Uint64
	reconnectsTotal  atomic.Uint64
	lastActivity     atomic.Int64
}

// NewManager creates a manager for the given installation. tracer receives
// the manager's diagnostics. Call Init to start connecting.
func NewManager(tracer *zap.Logger, cfg ConnectivityConfiguration, opts ...Option) *Manager {
	o := options{
		dialTimeout:       defaultDialTimeout,
		requestTimeout:    defaultRequestTimeout,
		commandRetries:    defaultCommandRetries,
		reconnectInterval: defaultReconnectInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	units := make([]*ControllerUnit, 0, max(cfg.NumberOfControllers, 0))
	for id := 0; id < cfg.NumberOfControllers && id < MaxControllers; id++ {
		units = append(units, newControllerUnit(id))
	}

	return &Manager{
		cfg:         cfg,
		opts:        o,
		logger:      tracer.Named("contec"),
		pending:     make(map[pendingKey][]chan Frame),
		units:       units,
		activations: make(map[activationKey]reportable),
		callbacks:   make(chan func(), callbackQueueSize),
		done:        make(chan struct{}),
	}
}

// Init starts the background connection loop. It does not wait for the
// gateway; use IsConnected for that.
func (m *Manager) Init() error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}

	m.initOnce.Do(func() {
		m.logger.Info("Initializing Contec controller manager",
			zap.String("address", m.cfg.Address()),
			zap.Int("controllers", m.cfg.NumberOfControllers))

		m.wg.Add(2)
		go m.callbackWorker()
		go m.connectLoop()
	})
	return nil
}

// IsConnected waits up to timeout for the gateway connection and for every
// controller to answer a ping.
func (m *Manager) IsConnected(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()

	for {
		if m.Connected() {
			err := m.pingAll(ctx)
			if err == nil {
				return true
			}
			m.logger.Debug("Controllers not answering yet", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return false
		case <-m.done:
			return false
		case <-ticker.C:
		}
	}
}

// Connected reports the current state of the gateway connection.
func (m *Manager) Connected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// Configuration returns the connectivity configuration.
func (m *Manager) Configuration() ConnectivityConfiguration {
	return m.cfg
}

// ControllerUnits returns the controllers managed by m.
func (m *Manager) ControllerUnits() []*ControllerUnit {
	return append([]*ControllerUnit(nil), m.units...)
}

func (m *Manager) pingAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, unit := range m.units {
		unit := unit
		g.Go(func() error {
			id := uint8(unit.UnitID)
			_, err := m.requestWithTimeout(gctx,
				Frame{Unit: id, Opcode: OpPing},
				pendingKey{unit: id, opcode: OpPong})
			if err != nil {
				return fmt.Errorf("unit %d: %w", unit.UnitID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// DiscoverEntities asks every controller for its channels and reads their
// initial state. Activations that survive a re-discovery keep their identity
// and callbacks.
func (m *Manager) DiscoverEntities(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}

	descriptions := make([][]ChannelDescription, len(m.units))
	g, gctx := errgroup.WithContext(ctx)
	for i, unit := range m.units {
		i, unit := i, unit
		g.Go(func() error {
			id := uint8(unit.UnitID)
			resp, err := m.requestWithTimeout(gctx,
				Frame{Unit: id, Opcode: OpDescribe},
				pendingKey{unit: id, opcode: OpDescription})
			if err != nil {
				return fmt.Errorf("failed to describe unit %d: %w", unit.UnitID, err)
			}
			channels, err := DecodeDescription(resp.Payload)
			if err != nil {
				return fmt.Errorf("failed to decode description of unit %d: %w", unit.UnitID, err)
			}
			descriptions[i] = channels
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.rebuildActivations(descriptions)
	m.refreshStates(ctx)

	m.actMu.RLock()
	m.logger.Info("Discovered Contec entities",
		zap.Int("pushers", len(m.pushers)),
		zap.Int("blinds", len(m.blinds)),
		zap.Int("onoffs", len(m.onOffs)))
	m.actMu.RUnlock()
	return nil
}

func (m *Manager) rebuildActivations(descriptions [][]ChannelDescription) {
	m.actMu.Lock()
	defer m.actMu.Unlock()

	previous := m.activations
	m.activations = make(map[activationKey]reportable)
	m.pushers, m.blinds, m.onOffs = nil, nil, nil

	for i, channels := range descriptions {
		unit := m.units[i]
		for _, ch := range channels {
			key := activationKey{unit: unit.UnitID, start: ch.Start, kind: ch.Kind}
			if _, dup := m.activations[key]; dup {
				m.logger.Warn("Duplicate channel in controller description",
					zap.Int("unit", unit.UnitID), zap.Uint8("start", ch.Start), zap.Stringer("kind", ch.Kind))
				continue
			}

			base := activationBase{unit: unit, start: ch.Start, cmd: m}
			existing := previous[key]
			switch ch.Kind {
			case KindPusher:
				p, ok := existing.(*PusherActivation)
				if !ok {
					p = &PusherActivation{activationBase: base}
				}
				m.pushers = append(m.pushers, p)
				m.activations[key] = p
			case KindBlind:
				b, ok := existing.(*BlindActivation)
				if !ok {
					b = &BlindActivation{activationBase: base}
				}
				m.blinds = append(m.blinds, b)
				m.activations[key] = b
			case KindOnOff:
				o, ok := existing.(*OnOffActivation)
				if !ok {
					o = &OnOffActivation{activationBase: base}
				}
				m.onOffs = append(m.onOffs, o)
				m.activations[key] = o
			}
		}
	}
}

// refreshStates requests the current state of every known activation. Units
// are queried concurrently; failures are logged and leave the previous state.
func (m *Manager) refreshStates(ctx context.Context) {
	m.actMu.RLock()
	byUnit := make(map[int][]activationKey)
	for key := range m.activations {
		byUnit[key.unit] = append(byUnit[key.unit], key)
	}
	m.actMu.RUnlock()

	var wg sync.WaitGroup
	for unitID, keys := range byUnit {
		unitID, keys := unitID, keys
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uint8(unitID)
			for _, key := range keys {
				_, err := m.requestWithTimeout(ctx,
					Frame{Unit: id, Opcode: OpReadState, Payload: []byte{byte(key.kind), key.start}},
					pendingKey{unit: id, opcode: OpStateReport, start: key.start, sub: uint8(key.kind)})
				if err != nil {
					m.logger.Warn("Failed to read channel state",
						zap.Int("unit", unitID),
						zap.Uint8("start", key.start),
						zap.Stringer("kind", key.kind),
						zap.Error(err))
				}
			}
		}()
	}
	wg.Wait()
}

// PusherActivations returns the discovered push-buttons.
func (m *Manager) PusherActivations() []*PusherActivation {
	m.actMu.RLock()
	defer m.actMu.RUnlock()
	return append([]*PusherActivation(nil), m.pushers...)
}

// BlindActivations returns the discovered blinds.
func (m *Manager) BlindActivations() []*BlindActivation {
	m.actMu.RLock()
	defer m.actMu.RUnlock()
	return append([]*BlindActivation(nil), m.blinds...)
}

// OnOffActivations returns the discovered on/off outputs.
func (m *Manager) OnOffActivations() []*OnOffActivation {
	m.actMu.RLock()
	defer m.actMu.RUnlock()
	return append([]*OnOffActivation(nil), m.onOffs...)
}

// Stats returns a snapshot of the connection counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		FramesTx:         m.framesTx.Load(),
		FramesRx:         m.framesRx.Load(),
		CallbacksDropped: m.callbacksDropped.Load(),
		ErrorsTotal:      m.errorsTotal.Load(),
		ReconnectsTotal:  m.reconnectsTotal.Load(),
		Connected:        m.Connected(),
	}
	if ts := m.lastActivity.Load(); ts > 0 {
		s.LastActivity = time.Unix(0, ts)
	}
	return s
}

// Close stops all background work and closes the gateway connection.
// It is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)

		m.connMu.Lock()
		m.connected = false
		if m.conn != nil {
			m.conn.Close()
		}
		m.connMu.Unlock()

		m.wg.Wait()
		m.logger.Info("Contec controller manager closed")
	})
	return nil
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// command sends a command and waits for the controller to acknowledge it.
// Commands to one controller are serialised; unanswered commands are resent.
func (m *Manager) command(ctx context.Context, unit *ControllerUnit, op Opcode, start uint8, payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}

	if err := unit.commands.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire unit %d: %w", unit.UnitID, err)
	}
	defer unit.commands.Release(1)

	id := uint8(unit.UnitID)
	frame := Frame{Unit: id, Opcode: op, Payload: payload}
	key := pendingKey{unit: id, opcode: OpAck, start: start, sub: uint8(op)}

	m.logger.Debug("Sending command",
		zap.Int("unit", unit.UnitID), zap.Stringer("opcode", op), zap.Uint8("start", start))

	return retry.Retry(ctx, m.opts.requestTimeout, m.opts.commandRetries, func(ctx context.Context) error {
		resp, err := m.request(ctx, frame, key)
		if err != nil {
			return err
		}
		ack, err := DecodeAck(resp.Payload)
		if err != nil {
			return err
		}
		if ack.Status != AckStatusOK {
			return fmt.Errorf("%w: %s on unit %d start %d (status 0x%02X)", ErrNack, op, unit.UnitID, start, ack.Status)
		}
		return nil
	})
}

func (m *Manager) requestWithTimeout(ctx context.Context, f Frame, key pendingKey) (Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.requestTimeout)
	defer cancel()
	return m.request(ctx, f, key)
}

// request sends f and waits for the reply identified by key.
func (m *Manager) request(ctx context.Context, f Frame, key pendingKey) (Frame, error) {
	ch := make(chan Frame, 1)
	m.addWaiter(key, ch)
	defer m.removeWaiter(key, ch)

	if err := m.send(f); err != nil {
		return Frame{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Frame{}, fmt.Errorf("%w: %s to unit %d", ErrTimeout, f.Opcode, f.Unit)
		}
		return Frame{}, ctx.Err()
	case <-m.done:
		return Frame{}, ErrClosed
	}
}

func (m *Manager) addWaiter(key pendingKey, ch chan Frame) {
	m.pendingMu.Lock()
	m.pending[key] = append(m.pending[key], ch)
	m.pendingMu.Unlock()
}

func (m *Manager) removeWaiter(key pendingKey, ch chan Frame) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	waiters := m.pending[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(m.pending, key)
	} else {
		m.pending[key] = waiters
	}
}

// deliver hands f to everyone waiting for key.
func (m *Manager) deliver(key pendingKey, f Frame) {
	m.pendingMu.Lock()
	waiters := m.pending[key]
	delete(m.pending, key)
	m.pendingMu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- f:
		default:
		}
	}
}

func (m *Manager) send(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	m.connMu.RLock()
	conn, connected := m.conn, m.connected
	m.connMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		m.errorsTotal.Add(1)
		return fmt.Errorf("failed to write %s frame: %w", f.Opcode, err)
	}
	m.framesTx.Add(1)
	return nil
}

// connectLoop keeps the gateway connection up until Close.
func (m *Manager) connectLoop() {
	defer m.wg.Done()

	backoff := m.opts.reconnectInterval
	first := true
	for {
		if m.isClosed() {
			return
		}

		conn, err := m.dial()
		if err != nil {
			m.errorsTotal.Add(1)
			m.logger.Debug("Failed to connect to Contec gateway",
				zap.String("address", m.cfg.Address()),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			if !m.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = m.opts.reconnectInterval

		if !m.attach(conn) {
			return
		}
		if first {
			m.logger.Info("Connected to Contec gateway", zap.String("address", m.cfg.Address()))
		} else {
			m.reconnectsTotal.Add(1)
			m.logger.Info("Reconnected to Contec gateway",
				zap.String("address", m.cfg.Address()),
				zap.Uint64("reconnects", m.reconnectsTotal.Load()))
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.refreshStates(m.lifetimeContext())
			}()
		}
		first = false

		err = m.receiveLoop(conn)
		m.detach(conn)
		if m.isClosed() {
			return
		}
		m.logger.Warn("Connection to Contec gateway lost", zap.Error(err))
		if !m.sleep(backoff) {
			return
		}
	}
}

func (m *Manager) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.dialTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", m.cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.cfg.Address(), err)
	}
	return conn, nil
}

// attach publishes conn as the live connection. It returns false when the
// manager was closed in the meantime.
func (m *Manager) attach(conn net.Conn) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.isClosed() {
		conn.Close()
		return false
	}
	m.conn = conn
	m.connected = true
	return true
}

func (m *Manager) detach(conn net.Conn) {
	m.connMu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.connected = false
	}
	m.connMu.Unlock()
	conn.Close()
}

// lifetimeContext returns a context cancelled when the manager closes.
func (m *Manager) lifetimeContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-m.done:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx
}

func (m *Manager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.done:
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectInterval {
		d = maxReconnectInterval
	}
	return d
}

func (m *Manager) receiveLoop(conn net.Conn) error {
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ErrProtocolDesync) {
				m.errorsTotal.Add(1)
			}
			return err
		}
		m.framesRx.Add(1)
		m.lastActivity.Store(time.Now().UnixNano())
		m.handleFrame(f)
	}
}

func (m *Manager) handleFrame(f Frame) {
	switch f.Opcode {
	case OpPong, OpDescription:
		m.deliver(pendingKey{unit: f.Unit, opcode: f.Opcode}, f)

	case OpAck:
		ack, err := DecodeAck(f.Payload)
		if err != nil {
			m.errorsTotal.Add(1)
			m.logger.Warn("Dropping malformed ack", zap.Uint8("unit", f.Unit), zap.Error(err))
			return
		}
		m.deliver(pendingKey{unit: f.Unit, opcode: OpAck, start: ack.Start, sub: uint8(ack.For)}, f)

	case OpStateReport:
		report, err := DecodeStateReport(f.Payload)
		if err != nil {
			m.errorsTotal.Add(1)
			m.logger.Warn("Dropping malformed state report", zap.Uint8("unit", f.Unit), zap.Error(err))
			return
		}
		m.applyReport(int(f.Unit), report)
		m.deliver(pendingKey{unit: f.Unit, opcode: OpStateReport, start: report.Start, sub: uint8(report.Kind)}, f)

	default:
		m.logger.Debug("Ignoring unexpected frame", zap.Uint8("unit", f.Unit), zap.Stringer("opcode", f.Opcode))
	}
}

func (m *Manager) applyReport(unit int, r StateReport) {
	m.actMu.RLock()
	act, ok := m.activations[activationKey{unit: unit, start: r.Start, kind: r.Kind}]
	m.actMu.RUnlock()

	if !ok {
		m.logger.Debug("State report for unknown channel",
			zap.Int("unit", unit), zap.Uint8("start", r.Start), zap.Stringer("kind", r.Kind))
		return
	}

	if notify := act.apply(r); notify != nil {
		m.dispatch(notify)
	}
}

func (m *Manager) dispatch(fn func()) {
	select {
	case m.callbacks <- fn:
	default:
		m.callbacksDropped.Add(1)
		m.logger.Warn("Callback queue full, dropping state notification")
	}
}

// callbackWorker runs state-changed callbacks one at a time, in report order.
func (m *Manager) callbackWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case fn := <-m.callbacks:
			m.runCallback(fn)
		}
	}
}

func (m *Manager) runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("State callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
