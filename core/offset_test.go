package core

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetSequentialWrite(t *testing.T) {
	o := NewOffsetMgr()

	t1, off1, n1 := o.Acquire(10, 0, true, false)
	assert.Equal(t, uint64(0), off1)
	assert.Equal(t, uint64(10), n1)
	o.Release(t1)

	t2, off2, _ := o.Acquire(5, 0, true, false)
	assert.Equal(t, uint64(10), off2)
	o.Release(t2)
}

func TestOffsetReadStopsAtBoundary(t *testing.T) {
	o := NewOffsetMgr()

	tk, off, n := o.Acquire(100, 30, false, true)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, uint64(30), n, "read is clamped at EOF")
	o.Release(tk)

	tk, off, n = o.Acquire(100, 30, false, true)
	assert.Equal(t, uint64(30), off)
	assert.Equal(t, uint64(0), n, "at EOF nothing to read")
	o.Release(tk)
}

func TestOffsetAppend(t *testing.T) {
	o := NewOffsetMgr()
	tk, off := o.AcquireAppend(4, 100)
	assert.Equal(t, uint64(100), off)
	o.Release(tk)

	tk, off = o.AcquireAppend(4, 100)
	assert.Equal(t, uint64(104), off, "offset already past EOF keeps advancing")
	o.Release(tk)
}

// 并发领票：每个字节的偏移必须唯一，并集恰好是 [0, total)
func TestOffsetConcurrentTickets(t *testing.T) {
	o := NewOffsetMgr()
	const workers = 8
	const perWorker = 200
	const sz = 7

	offsets := make([][]uint64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tk, off, _ := o.Acquire(sz, 0, true, false)
				offsets[w] = append(offsets[w], off)
				o.Release(tk)
			}
		}(w)
	}
	wg.Wait()

	var all []uint64
	for _, part := range offsets {
		all = append(all, part...)
	}
	require.Len(t, all, workers*perWorker)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i, off := range all {
		assert.Equal(t, uint64(i*sz), off)
	}
}

func TestOffsetSeek(t *testing.T) {
	o := NewOffsetMgr()
	cur, ok := o.Seek(func(cur uint64) (uint64, bool) { return 42, true })
	assert.True(t, ok)
	assert.Equal(t, uint64(42), cur)

	// 拒绝后偏移不动
	cur, ok = o.Seek(func(cur uint64) (uint64, bool) { return 0, false })
	assert.False(t, ok)
	assert.Equal(t, uint64(42), cur)
}
