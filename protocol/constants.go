// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

import "fmt"

// Opcode is the frame type discriminator.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// IsControl reports whether o is a control opcode (close, ping, pong).
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

// IsData reports whether o is text, binary or continuation.
func (o Opcode) IsData() bool {
	return o == OpcodeContinuation || o == OpcodeText || o == OpcodeBinary
}

// Valid reports whether o is defined by RFC 6455.
func (o Opcode) Valid() bool {
	return o.IsData() || o == OpcodeClose || o == OpcodePing || o == OpcodePong
}

func (o Opcode) String() string {
	switch o {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(o))
	}
}

const (
	// Frame limit settings
	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14 // for extended payloads with masking

	// Length indicators in the second header byte
	len16Indicator = 126
	len64Indicator = 127

	// Bit masks
	FinBit     = 0x80
	RsvBits    = 0x70
	OpcodeBits = 0x0F
	MaskBit    = 0x80
	LenBits    = 0x7F

	// Close codes
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
)

// PongPolicy selects how an incoming pong frame is answered.
type PongPolicy int

const (
	// PongIgnore treats a pong as terminal (RFC 6455 section 5.5.3).
	PongIgnore PongPolicy = iota
	// PongEcho answers every pong with a ping carrying the same payload.
	// Kept for clients written against the legacy server.
	PongEcho
)

func (p PongPolicy) String() string {
	if p == PongEcho {
		return "echo"
	}
	return "ignore"
}
