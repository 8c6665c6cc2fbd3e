// File: protocol/mask.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"crypto/rand"
	"encoding/binary"
)

// Mask XORs b in place with key, cycling every 4 bytes. Applying Mask twice
// with the same key restores the input.
func Mask(b []byte, key [4]byte) {
	// 8-byte words keep the key phase aligned because 8 is a multiple of 4.
	k32 := binary.LittleEndian.Uint32(key[:])
	k64 := uint64(k32) | uint64(k32)<<32

	i := 0
	for ; i+8 <= len(b); i += 8 {
		v := binary.LittleEndian.Uint64(b[i:])
		binary.LittleEndian.PutUint64(b[i:], v^k64)
	}
	for ; i < len(b); i++ {
		b[i] ^= key[i&3]
	}
}

// NewMaskKey returns a random mask key for client-role frames.
func NewMaskKey() [4]byte {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		panic("protocol: crypto/rand failed: " + err.Error())
	}
	return key
}
