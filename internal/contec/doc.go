// Package contec talks to Contec controller boards through a TCP gateway.
//
// A Manager owns one connection to the gateway and exposes every channel the
// controllers report as an activation: pushers (push-button inputs), blinds
// and on/off outputs (lights). Callers subscribe to state changes on each
// activation; callbacks are delivered from a dedicated goroutine in the order
// the controllers reported them.
//
// Frames on the wire are size-prefixed:
//
//	size(uint16 BE) | unit(1) | opcode(1) | payload
//
// where size counts unit, opcode and payload.
package contec
