package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upmfs/layout"
)

// free list 相关路径不碰 bitmap，可以用零值 Allocator 直接测

func TestAllocFromFreeListExact(t *testing.T) {
	a := &Allocator{}
	a.Free(100, 8)

	lidx, err := a.Alloc(8)
	require.NoError(t, err)
	assert.Equal(t, layout.LogicalBlockIdx(100), lidx)
	assert.Equal(t, 0, a.FreeListLen())
}

func TestAllocFromFreeListSplit(t *testing.T) {
	a := &Allocator{}
	a.Free(100, 8)

	lidx, err := a.Alloc(3)
	require.NoError(t, err)
	assert.Equal(t, layout.LogicalBlockIdx(100), lidx)
	// 剩下的 (5, 103) 留在 free list 里
	require.Equal(t, 1, a.FreeListLen())
	assert.Equal(t, freeRun{len: 5, start: 103}, a.freeList[0])

	lidx, err = a.Alloc(5)
	require.NoError(t, err)
	assert.Equal(t, layout.LogicalBlockIdx(103), lidx)
}

func TestAllocBestFit(t *testing.T) {
	a := &Allocator{}
	a.Free(500, 16)
	a.Free(100, 4)
	a.Free(300, 8)

	// 二分落在最小的够用段上
	lidx, err := a.Alloc(5)
	require.NoError(t, err)
	assert.Equal(t, layout.LogicalBlockIdx(300), lidx)

	lidx, err = a.Alloc(4)
	require.NoError(t, err)
	assert.Equal(t, layout.LogicalBlockIdx(100), lidx)
}

func TestFreeZeroIsIgnored(t *testing.T) {
	a := &Allocator{}
	// 逻辑块 0 是 meta，永远不该进 free list
	a.Free(0, 4)
	assert.Equal(t, 0, a.FreeListLen())
}

func TestFreeImageCoalesce(t *testing.T) {
	a := &Allocator{}
	// 两段连续 run (10..13) (20..21)，中间断开
	image := []layout.LogicalBlockIdx{0, 10, 11, 12, 13, 0, 20, 21, 0}
	a.FreeImage(image)

	require.Equal(t, 2, a.FreeListLen())
	assert.Equal(t, freeRun{len: 2, start: 20}, a.freeList[0])
	assert.Equal(t, freeRun{len: 4, start: 10}, a.freeList[1])
}

func TestFreeImageTailRun(t *testing.T) {
	a := &Allocator{}
	image := []layout.LogicalBlockIdx{0, 0, 7, 8, 9}
	a.FreeImage(image)

	require.Equal(t, 1, a.FreeListLen())
	assert.Equal(t, freeRun{len: 3, start: 7}, a.freeList[0])
}

func TestFreeImageBrokenSequence(t *testing.T) {
	a := &Allocator{}
	// 9 之后跳到 30：必须断成两段，不能并成一个重叠 run
	image := []layout.LogicalBlockIdx{8, 9, 30, 31}
	a.FreeImage(image)

	require.Equal(t, 2, a.FreeListLen())
	assert.Equal(t, freeRun{len: 2, start: 8}, a.freeList[0])
	assert.Equal(t, freeRun{len: 2, start: 30}, a.freeList[1])
}

func TestFreeImageEmpty(t *testing.T) {
	a := &Allocator{}
	a.FreeImage(nil)
	a.FreeImage([]layout.LogicalBlockIdx{0, 0, 0})
	assert.Equal(t, 0, a.FreeListLen())
}
