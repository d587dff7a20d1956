package contec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the kind of a frame.
type Opcode uint8

// Frame opcodes. Requests have the high bit clear, replies and unsolicited
// reports have it set.
const (
	OpPing        Opcode = 0x01
	OpDescribe    Opcode = 0x02
	OpSetOnOff    Opcode = 0x03
	OpSetBlind    Opcode = 0x04
	OpReadState   Opcode = 0x05
	OpAck         Opcode = 0x80
	OpPong        Opcode = 0x81
	OpDescription Opcode = 0x82
	OpStateReport Opcode = 0x90
)

// String returns the opcode name for logging.
func (o Opcode) String() string {
	switch o {
	case OpPing:
		return "ping"
	case OpDescribe:
		return "describe"
	case OpSetOnOff:
		return "set_onoff"
	case OpSetBlind:
		return "set_blind"
	case OpReadState:
		return "read_state"
	case OpAck:
		return "ack"
	case OpPong:
		return "pong"
	case OpDescription:
		return "description"
	case OpStateReport:
		return "state_report"
	default:
		return fmt.Sprintf("opcode(0x%02X)", uint8(o))
	}
}

// ActivationKind is the channel type a controller reports in its description.
type ActivationKind uint8

const (
	KindOnOff  ActivationKind = 1
	KindBlind  ActivationKind = 2
	KindPusher ActivationKind = 3
)

func (k ActivationKind) String() string {
	switch k {
	case KindOnOff:
		return "onoff"
	case KindBlind:
		return "blind"
	case KindPusher:
		return "pusher"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	// sizeFieldLen is the length of the size prefix.
	sizeFieldLen = 2

	// headerLen is unit + opcode, the minimum value of the size field.
	headerLen = 2

	// MaxPayloadLen bounds a single payload. A full description of a
	// controller (255 channels, two bytes each, plus count) fits.
	MaxPayloadLen = 1 + 2*255

	// maxFrameLen is the largest complete frame, size prefix included.
	maxFrameLen = sizeFieldLen + headerLen + MaxPayloadLen
)

// Frame is one decoded message.
type Frame struct {
	Unit    uint8
	Opcode  Opcode
	Payload []byte
}

// EncodeFrame serialises a frame including its size prefix.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalidFrame, len(f.Payload), MaxPayloadLen)
	}

	size := headerLen + len(f.Payload)
	buf := make([]byte, sizeFieldLen+size)
	binary.BigEndian.PutUint16(buf[:sizeFieldLen], uint16(size))
	buf[2] = f.Unit
	buf[3] = byte(f.Opcode)
	copy(buf[4:], f.Payload)
	return buf, nil
}

// ReadFrame reads exactly one frame from r.
//
// A size field larger than the maximum frame returns ErrProtocolDesync: the
// remaining bytes cannot be skipped safely, so the caller must drop the
// connection.
func ReadFrame(r io.Reader) (Frame, error) {
	var sizeBuf [sizeFieldLen]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Frame{}, err
	}

	size := int(binary.BigEndian.Uint16(sizeBuf[:]))
	if size < headerLen {
		return Frame{}, fmt.Errorf("%w: size %d below header length", ErrProtocolDesync, size)
	}
	if sizeFieldLen+size > maxFrameLen {
		return Frame{}, fmt.Errorf("%w: size %d exceeds maximum frame", ErrProtocolDesync, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Unit:   body[0],
		Opcode: Opcode(body[1]),
	}
	if size > headerLen {
		f.Payload = body[headerLen:]
	}
	return f, nil
}

// ChannelDescription is one entry of a controller description.
type ChannelDescription struct {
	Kind  ActivationKind
	Start uint8
}

// EncodeDescription builds the payload of an OpDescription frame.
func EncodeDescription(channels []ChannelDescription) ([]byte, error) {
	if len(channels) > 255 {
		return nil, fmt.Errorf("%w: %d channels in description", ErrInvalidFrame, len(channels))
	}
	payload := make([]byte, 0, 1+2*len(channels))
	payload = append(payload, byte(len(channels)))
	for _, ch := range channels {
		payload = append(payload, byte(ch.Kind), ch.Start)
	}
	return payload, nil
}

// DecodeDescription parses the payload of an OpDescription frame.
func DecodeDescription(payload []byte) ([]ChannelDescription, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty description", ErrInvalidFrame)
	}
	count := int(payload[0])
	if len(payload) != 1+2*count {
		return nil, fmt.Errorf("%w: description declares %d channels but has %d bytes",
			ErrInvalidFrame, count, len(payload)-1)
	}

	channels := make([]ChannelDescription, 0, count)
	for i := 0; i < count; i++ {
		kind := ActivationKind(payload[1+2*i])
		switch kind {
		case KindOnOff, KindBlind, KindPusher:
		default:
			return nil, fmt.Errorf("%w: unknown channel kind %d", ErrInvalidFrame, kind)
		}
		channels = append(channels, ChannelDescription{Kind: kind, Start: payload[2+2*i]})
	}
	return channels, nil
}

// StateReport is the decoded payload of an OpStateReport frame.
type StateReport struct {
	Kind  ActivationKind
	Start uint8

	// On is set for on/off and pusher reports.
	On bool

	// Direction and Percentage are set for blind reports.
	Direction  BlindState
	Percentage int
}

// EncodeStateReport builds the payload of an OpStateReport frame.
func EncodeStateReport(r StateReport) ([]byte, error) {
	switch r.Kind {
	case KindOnOff, KindPusher:
		return []byte{byte(r.Kind), r.Start, boolByte(r.On)}, nil
	case KindBlind:
		if r.Percentage < 0 || r.Percentage > 100 {
			return nil, fmt.Errorf("%w: blind percentage %d", ErrInvalidFrame, r.Percentage)
		}
		return []byte{byte(r.Kind), r.Start, byte(r.Direction), byte(r.Percentage)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown channel kind %d", ErrInvalidFrame, r.Kind)
	}
}

// DecodeStateReport parses the payload of an OpStateReport frame.
func DecodeStateReport(payload []byte) (StateReport, error) {
	if len(payload) < 3 {
		return StateReport{}, fmt.Errorf("%w: state report too short (%d bytes)", ErrInvalidFrame, len(payload))
	}

	r := StateReport{Kind: ActivationKind(payload[0]), Start: payload[1]}
	switch r.Kind {
	case KindOnOff, KindPusher:
		if len(payload) != 3 {
			return StateReport{}, fmt.Errorf("%w: %s report has %d bytes", ErrInvalidFrame, r.Kind, len(payload))
		}
		r.On = payload[2] != 0
	case KindBlind:
		if len(payload) != 4 {
			return StateReport{}, fmt.Errorf("%w: blind report has %d bytes", ErrInvalidFrame, len(payload))
		}
		r.Direction = BlindState(payload[2])
		if !r.Direction.valid() {
			return StateReport{}, fmt.Errorf("%w: blind direction %d", ErrInvalidFrame, payload[2])
		}
		r.Percentage = int(payload[3])
		if r.Percentage > 100 {
			return StateReport{}, fmt.Errorf("%w: blind percentage %d", ErrInvalidFrame, r.Percentage)
		}
	default:
		return StateReport{}, fmt.Errorf("%w: unknown channel kind %d", ErrInvalidFrame, r.Kind)
	}
	return r, nil
}

// AckStatusOK is the status byte of a successful acknowledgement.
const AckStatusOK = 0x00

// Ack is the decoded payload of an OpAck frame.
type Ack struct {
	For    Opcode
	Start  uint8
	Status uint8
}

// EncodeAck builds the payload of an OpAck frame.
func EncodeAck(a Ack) []byte {
	return []byte{byte(a.For), a.Start, a.Status}
}

// DecodeAck parses the payload of an OpAck frame.
func DecodeAck(payload []byte) (Ack, error) {
	if len(payload) != 3 {
		return Ack{}, fmt.Errorf("%w: ack has %d bytes", ErrInvalidFrame, len(payload))
	}
	return Ack{For: Opcode(payload[0]), Start: payload[1], Status: payload[2]}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
