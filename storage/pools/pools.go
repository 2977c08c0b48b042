// Package pools provides reusable byte buffers to reduce allocations on the
// record encode and file write paths.
package pools

import (
	"bytes"
	"sync"
)

// BufferPool provides reusable byte buffers sized for a handful of records.
var BufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// ByteSlicePool provides reusable byte slices for single-record encoding.
var ByteSlicePool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 512)
		return &b
	},
}

// GetBuffer gets a buffer from the pool.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool buffers > 1MB
		return
	}
	BufferPool.Put(buf)
}

// GetByteSlice gets a byte slice from the pool.
func GetByteSlice() *[]byte {
	b := ByteSlicePool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// PutByteSlice returns a byte slice to the pool.
func PutByteSlice(b *[]byte) {
	if cap(*b) > 1024*1024 { // Don't pool slices > 1MB
		return
	}
	ByteSlicePool.Put(b)
}
