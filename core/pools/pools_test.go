package pools

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytePoolTierSelection(t *testing.T) {
	bp := NewBytePool()

	buf := bp.Get(100)
	assert.Len(t, buf, 100)
	assert.Equal(t, 512, cap(buf))

	buf = bp.Get(8192)
	assert.Equal(t, 8192, cap(buf))

	// Past the largest tier: plain allocation, exact size.
	buf = bp.Get(1 << 20)
	assert.Len(t, buf, 1<<20)
}

func TestBytePoolRecycles(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{64})
	buf := bp.Get(10)
	require.Equal(t, 64, cap(buf))
	bp.Put(buf)

	again := bp.Get(64)
	assert.Equal(t, 64, cap(again))
}

func TestBytePoolDropsForeignSlices(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{64})
	// Must not panic or poison a tier.
	bp.Put(make([]byte, 100))
	bp.Put(nil)
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Close()

	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Submit(func() {
			n.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int64(100), n.Load())

	submitted, _ := p.Stats()
	assert.Equal(t, uint64(100), submitted)
}

func TestWorkerPoolNeverBlocks(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Close()

	block := make(chan struct{})
	release := sync.OnceFunc(func() { close(block) })
	defer release()

	// Saturate the resident worker and its queue; Submit must still
	// return immediately for everything past capacity.
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		p.Submit(func() {
			<-block
			wg.Done()
		})
	}
	release()
	wg.Wait()

	_, overflow := p.Stats()
	assert.Greater(t, overflow, uint64(0))
}

func TestWorkerPoolCloseIsIdempotent(t *testing.T) {
	p := NewWorkerPool(1)
	p.Close()
	p.Close()
	// Submit after close is a no-op, not a panic.
	p.Submit(func() { t.Error("must not run") })
}
