// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame encoding/decoding.
//
// Reads never allocate: payloads land in a buffer owned by the caller and
// are unmasked in place. Writes never touch the caller's payload slice.

package protocol

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/momentics/wspush/api"
	"github.com/pkg/errors"
)

// Header is the decoded fixed part of a frame.
type Header struct {
	Fin    bool
	Rsv    byte // RSV1..RSV3 bits as found on the wire
	Opcode Opcode
	Masked bool
	Length uint64
	Mask   [4]byte
}

// MaskKey returns a pointer to the mask key, or nil for an unmasked frame.
func (h *Header) MaskKey() *[4]byte {
	if !h.Masked {
		return nil
	}
	return &h.Mask
}

// Frame represents one decoded or to-be-encoded WebSocket frame.
type Frame struct {
	Fin           bool
	Opcode        Opcode
	Masked        bool
	PayloadLength uint64
	MaskKey       [4]byte
	Payload       []byte
}

// ReadFrameHeader decodes a frame header from r.
// A stream that ends before the first byte yields a protocol error wrapping
// io.EOF; any other read error is returned wrapped, never replaced.
func ReadFrameHeader(r io.Reader) (Header, error) {
	var h Header
	var b [8]byte

	n, err := io.ReadFull(r, b[:2])
	if err != nil {
		if n == 0 {
			if err == io.EOF {
				return h, api.Wrap(api.ErrCodeProtocol, io.EOF, "no data received")
			}
			return h, errors.Wrap(err, "read frame header")
		}
		return h, api.Wrap(api.ErrCodeProtocol, err, "truncated frame header")
	}

	h.Fin = b[0]&FinBit != 0
	h.Rsv = b[0] & RsvBits
	h.Opcode = Opcode(b[0] & OpcodeBits)
	h.Masked = b[1]&MaskBit != 0
	length := uint64(b[1] & LenBits)

	switch length {
	case len16Indicator:
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return h, api.Wrap(api.ErrCodeProtocol, err, "truncated 16-bit length")
		}
		length = uint64(binary.BigEndian.Uint16(b[:2]))
	case len64Indicator:
		if _, err := io.ReadFull(r, b[:8]); err != nil {
			return h, api.Wrap(api.ErrCodeProtocol, err, "truncated 64-bit length")
		}
		length = binary.BigEndian.Uint64(b[:8])
		if length > math.MaxInt64 {
			return h, api.ProtocolError("payload length has the most significant bit set")
		}
	}
	h.Length = length

	if h.Masked {
		if _, err := io.ReadFull(r, h.Mask[:]); err != nil {
			return h, api.Wrap(api.ErrCodeProtocol, err, "truncated mask key")
		}
	}
	return h, h.validate()
}

// validate enforces the structural rules that do not depend on connection state.
func (h *Header) validate() error {
	if h.Rsv != 0 {
		return api.ProtocolError("reserved bits set without negotiated extension").
			WithContext("rsv", h.Rsv)
	}
	if !h.Opcode.Valid() {
		return api.ProtocolError("unknown opcode=%d", byte(h.Opcode))
	}
	if h.Opcode.IsControl() {
		if !h.Fin {
			return api.ProtocolError("fragmented %s frame", h.Opcode)
		}
		if h.Length > MaxControlPayloadLen {
			return api.ProtocolError("%s frame payload too long", h.Opcode).
				WithContext("length", h.Length)
		}
	}
	return nil
}

// ReadPayload reads length bytes from r into buf, unmasking in place when
// mask is non-nil. The returned slice aliases buf.
func ReadPayload(r io.Reader, buf []byte, length uint64, mask *[4]byte) ([]byte, error) {
	if length == 0 {
		return buf[:0], nil
	}
	if length > uint64(len(buf)) {
		return nil, api.ProtocolError("frame payload exceeds read buffer").
			WithContext("length", length).
			WithContext("buffer", len(buf))
	}
	payload := buf[:length]
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, api.ConnectionClosed(err, "peer closed mid-payload")
		}
		return nil, errors.Wrap(err, "read payload")
	}
	if mask != nil {
		Mask(payload, *mask)
	}
	return payload, nil
}

// ReadFrame reads one complete frame using buf for the payload.
// The returned Payload aliases buf.
func ReadFrame(r io.Reader, buf []byte) (*Frame, error) {
	h, err := ReadFrameHeader(r)
	if err != nil {
		return nil, err
	}
	payload, err := ReadPayload(r, buf, h.Length, h.MaskKey())
	if err != nil {
		return nil, err
	}
	return &Frame{
		Fin:           h.Fin,
		Opcode:        h.Opcode,
		Masked:        h.Masked,
		PayloadLength: h.Length,
		MaskKey:       h.Mask,
		Payload:       payload,
	}, nil
}

// AppendHeader appends the encoded header for a payload of n bytes to dst.
func AppendHeader(dst []byte, n int, opcode Opcode, fin bool, mask *[4]byte) []byte {
	b0 := byte(opcode) & OpcodeBits
	if fin {
		b0 |= FinBit
	}
	var maskBit byte
	if mask != nil {
		maskBit = MaskBit
	}

	switch {
	case n <= MaxControlPayloadLen:
		dst = append(dst, b0, byte(n)|maskBit)
	case n <= math.MaxUint16:
		dst = append(dst, b0, len16Indicator|maskBit)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, len64Indicator|maskBit)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	if mask != nil {
		dst = append(dst, mask[:]...)
	}
	return dst
}

// AppendFrame appends the wire form of f to dst. PayloadLength is taken from
// len(f.Payload); MaskKey is used when Masked is set.
func AppendFrame(dst []byte, f *Frame) []byte {
	var mask *[4]byte
	if f.Masked {
		mask = &f.MaskKey
	}
	dst = AppendHeader(dst, len(f.Payload), f.Opcode, f.Fin, mask)
	start := len(dst)
	dst = append(dst, f.Payload...)
	if mask != nil {
		Mask(dst[start:], *mask)
	}
	return dst
}

// WriteFrame writes payload as a single frame. When mask is non-nil the
// payload is masked on a copy.
func WriteFrame(w io.Writer, payload []byte, opcode Opcode, fin bool, mask *[4]byte) error {
	var hdr [MaxFrameHeaderLen]byte
	header := AppendHeader(hdr[:0], len(payload), opcode, fin, mask)

	if mask != nil && len(payload) > 0 {
		frame := make([]byte, 0, len(header)+len(payload))
		frame = append(frame, header...)
		frame = append(frame, payload...)
		Mask(frame[len(header):], *mask)
		_, err := w.Write(frame)
		return errors.Wrap(err, "write masked frame")
	}

	if len(payload) <= 512 {
		// one syscall for small frames
		frame := make([]byte, 0, len(header)+len(payload))
		frame = append(frame, header...)
		frame = append(frame, payload...)
		_, err := w.Write(frame)
		return errors.Wrap(err, "write frame")
	}
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	_, err := w.Write(payload)
	return errors.Wrap(err, "write frame payload")
}

// ClosePayload builds the body of a close frame.
func ClosePayload(code uint16, reason string) []byte {
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
	}
	b := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), code)
	return append(b, reason...)
}

// CloseCode extracts the status code of a close frame body.
// An empty body yields CloseNoStatusRcvd.
func CloseCode(payload []byte) uint16 {
	if len(payload) < 2 {
		return CloseNoStatusRcvd
	}
	return binary.BigEndian.Uint16(payload[:2])
}
