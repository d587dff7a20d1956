package testutil

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"contecbridge/internal/contec"
)

// SimulatedCommand records a command the simulator received.
type SimulatedCommand struct {
	Timestamp time.Time
	Unit      int
	Opcode    contec.Opcode
	Start     int
	Value     int
}

type simKey struct {
	kind  contec.ActivationKind
	start uint8
}

type simUnit struct {
	channels []contec.ChannelDescription
	states   map[simKey]contec.StateReport
}

type simConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *simConn) write(f contec.Frame) error {
	data, err := contec.EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// ContecSimulator emulates a Contec RS-485/TCP gateway and the controller
// units behind it on a local TCP port.
type ContecSimulator struct {
	listener net.Listener

	mu        sync.Mutex
	units     map[uint8]*simUnit
	silent    map[uint8]bool
	dropAcks  int
	ackStatus uint8
	commands  []SimulatedCommand
	conns     map[*simConn]struct{}
	acceptedN int
	stopped   bool
	wg        sync.WaitGroup
}

// NewContecSimulator creates a simulator with the given channels per unit.
// Unit IDs missing from the map do not answer at all.
func NewContecSimulator(units map[int][]contec.ChannelDescription) *ContecSimulator {
	s := &ContecSimulator{
		units:  make(map[uint8]*simUnit),
		silent: make(map[uint8]bool),
		conns:  make(map[*simConn]struct{}),
	}
	for id, channels := range units {
		u := &simUnit{
			channels: append([]contec.ChannelDescription(nil), channels...),
			states:   make(map[simKey]contec.StateReport),
		}
		for _, ch := range channels {
			u.states[simKey{ch.Kind, ch.Start}] = contec.StateReport{Kind: ch.Kind, Start: ch.Start}
		}
		s.units[uint8(id)] = u
	}
	return s
}

// Start listens on an ephemeral loopback port.
func (s *ContecSimulator) Start() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the IP and port the simulator listens on.
func (s *ContecSimulator) Addr() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Stop closes the listener and every client connection.
func (s *ContecSimulator) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.DisconnectAll()
	s.wg.Wait()
}

// DisconnectAll drops every client connection; the listener stays open.
func (s *ContecSimulator) DisconnectAll() {
	s.mu.Lock()
	conns := make([]*simConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// Connections returns how many client connections were accepted so far.
func (s *ContecSimulator) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptedN
}

// SetSilent makes a unit ignore every request.
func (s *ContecSimulator) SetSilent(unit int, silent bool) {
	s.mu.Lock()
	s.silent[uint8(unit)] = silent
	s.mu.Unlock()
}

// DropAcks swallows the next n command acknowledgements.
func (s *ContecSimulator) DropAcks(n int) {
	s.mu.Lock()
	s.dropAcks = n
	s.mu.Unlock()
}

// SetAckStatus sets the status byte of subsequent acknowledgements.
func (s *ContecSimulator) SetAckStatus(status uint8) {
	s.mu.Lock()
	s.ackStatus = status
	s.mu.Unlock()
}

// Commands returns every command received.
func (s *ContecSimulator) Commands() []SimulatedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimulatedCommand(nil), s.commands...)
}

// State returns the simulated state of a channel.
func (s *ContecSimulator) State(unit int, kind contec.ActivationKind, start int) (contec.StateReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[uint8(unit)]
	if !ok {
		return contec.StateReport{}, false
	}
	r, ok := u.states[simKey{kind, uint8(start)}]
	return r, ok
}

// PushState changes a channel as if it happened on the physical device and
// reports it to every client.
func (s *ContecSimulator) PushState(unit int, r contec.StateReport) error {
	s.mu.Lock()
	u, ok := s.units[uint8(unit)]
	if ok {
		u.states[simKey{r.Kind, r.Start}] = r
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown unit %d", unit)
	}
	return s.broadcastState(uint8(unit), r)
}

// SetChannels replaces the channels a unit describes.
func (s *ContecSimulator) SetChannels(unit int, channels []contec.ChannelDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &simUnit{
		channels: append([]contec.ChannelDescription(nil), channels...),
		states:   make(map[simKey]contec.StateReport),
	}
	for _, ch := range channels {
		u.states[simKey{ch.Kind, ch.Start}] = contec.StateReport{Kind: ch.Kind, Start: ch.Start}
	}
	s.units[uint8(unit)] = u
}

func (s *ContecSimulator) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		c := &simConn{conn: conn}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.acceptedN++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *ContecSimulator) serve(c *simConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.conn.Close()
	}()

	for {
		f, err := contec.ReadFrame(c.conn)
		if err != nil {
			return
		}
		s.handle(c, f)
	}
}

func (s *ContecSimulator) handle(c *simConn, f contec.Frame) {
	s.mu.Lock()
	u, known := s.units[f.Unit]
	silent := s.silent[f.Unit]
	s.mu.Unlock()
	if !known || silent {
		return
	}

	switch f.Opcode {
	case contec.OpPing:
		c.write(contec.Frame{Unit: f.Unit, Opcode: contec.OpPong})

	case contec.OpDescribe:
		s.mu.Lock()
		payload, err := contec.EncodeDescription(u.channels)
		s.mu.Unlock()
		if err == nil {
			c.write(contec.Frame{Unit: f.Unit, Opcode: contec.OpDescription, Payload: payload})
		}

	case contec.OpReadState:
		if len(f.Payload) != 2 {
			return
		}
		key := simKey{contec.ActivationKind(f.Payload[0]), f.Payload[1]}
		s.mu.Lock()
		r, ok := u.states[key]
		s.mu.Unlock()
		if ok {
			s.writeState(c, f.Unit, r)
		}

	case contec.OpSetOnOff, contec.OpSetBlind:
		if len(f.Payload) != 2 {
			return
		}
		s.handleCommand(c, u, f)
	}
}

func (s *ContecSimulator) handleCommand(c *simConn, u *simUnit, f contec.Frame) {
	start, value := f.Payload[0], int(f.Payload[1])

	s.mu.Lock()
	s.commands = append(s.commands, SimulatedCommand{
		Timestamp: time.Now(),
		Unit:      int(f.Unit),
		Opcode:    f.Opcode,
		Start:     int(start),
		Value:     value,
	})
	if s.dropAcks > 0 {
		s.dropAcks--
		s.mu.Unlock()
		return
	}
	status := s.ackStatus

	var report contec.StateReport
	changed := false
	if status == contec.AckStatusOK {
		switch f.Opcode {
		case contec.OpSetOnOff:
			key := simKey{contec.KindOnOff, start}
			if _, ok := u.states[key]; ok {
				report = contec.StateReport{Kind: contec.KindOnOff, Start: start, On: value != 0}
				u.states[key] = report
				changed = true
			}
		case contec.OpSetBlind:
			key := simKey{contec.KindBlind, start}
			if _, ok := u.states[key]; ok {
				report = contec.StateReport{Kind: contec.KindBlind, Start: start, Direction: contec.BlindStateStopped, Percentage: value}
				u.states[key] = report
				changed = true
			}
		}
	}
	s.mu.Unlock()

	c.write(contec.Frame{
		Unit:    f.Unit,
		Opcode:  contec.OpAck,
		Payload: contec.EncodeAck(contec.Ack{For: f.Opcode, Start: start, Status: status}),
	})
	if changed {
		s.broadcastState(f.Unit, report)
	}
}

func (s *ContecSimulator) writeState(c *simConn, unit uint8, r contec.StateReport) error {
	payload, err := contec.EncodeStateReport(r)
	if err != nil {
		return err
	}
	return c.write(contec.Frame{Unit: unit, Opcode: contec.OpStateReport, Payload: payload})
}

func (s *ContecSimulator) broadcastState(unit uint8, r contec.StateReport) error {
	s.mu.Lock()
	conns := make([]*simConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := s.writeState(c, unit, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
