// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync/atomic"

// BytePool hands out byte slices of one fixed size.
type BytePool struct {
	pool *SyncPool[*[]byte]
	size int

	gets atomic.Int64
	puts atomic.Int64
}

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		pool: NewSyncPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		}),
		size: size,
	}
}

// Size returns the length of every buffer.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a buffer from the pool. Contents are undefined.
func (b *BytePool) GetBuffer() []byte {
	b.gets.Add(1)
	return (*b.pool.Get())[:b.size]
}

// PutBuffer returns a buffer to the pool. Buffers of a foreign size are
// left to the GC.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	b.puts.Add(1)
	buf = buf[:b.size]
	b.pool.Put(&buf)
}

// Outstanding returns how many buffers are currently borrowed.
func (b *BytePool) Outstanding() int64 {
	return b.gets.Load() - b.puts.Load()
}
