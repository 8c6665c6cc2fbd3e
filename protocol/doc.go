// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the WebSocket wire protocol (RFC 6455) for wspush.
//
// Includes:
//   - Frame header decode with 16/64-bit extended lengths
//   - Payload reads into a caller-owned reusable buffer
//   - Word-wise masking
//   - Frame encode for server and client roles
//   - Handshake strategies: standard key derivation and the bypass token
//
// The package holds no connection state; reads and writes go through
// plain io.Reader and io.Writer values.
package protocol
