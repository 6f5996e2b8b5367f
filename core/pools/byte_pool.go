// Package pools holds the object pools the native transport leans on to
// keep per-request allocation flat.
package pools

import "sync"

// BytePool hands out byte slices from size-class tiers. Connection read
// buffers and response frames churn constantly; tiering keeps them off
// the GC without one giant slab size.
type BytePool struct {
	pools []*sync.Pool
	sizes []int
}

// Size classes tuned for HTTP traffic: header reads land in the small
// tiers, streamed file chunks in the large ones.
var defaultSizes = []int{512, 2048, 8192, 65536}

// NewBytePool creates a pool with the standard tiers.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a pool with custom tiers. Sizes must be
// ascending.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}
	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}
	return bp
}

// Get returns a slice with length size, backed by the smallest tier that
// fits. Oversized requests fall through to a plain allocation.
func (bp *BytePool) Get(size int) []byte {
	for i, tier := range bp.sizes {
		if size <= tier {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a slice to its tier. Foreign or oversized slices are
// dropped on the floor.
func (bp *BytePool) Put(buf []byte) {
	c := cap(buf)
	for i, tier := range bp.sizes {
		if c == tier {
			full := buf[:c]
			bp.pools[i].Put(&full)
			return
		}
	}
}
