package core

import (
	"math/bits"

	"upmfs/layout"
	"upmfs/utils"
)

// BlkTable 是每文件的 DRAM 索引：虚拟块号 → 逻辑块号，0 表示洞。
// 只有 catch-up 会改表；所有读路径先 catch-up 再查
type BlkTable struct {
	lock utils.SpinLock

	table []layout.LogicalBlockIdx

	// 已重放到的日志位置
	tail TxCursor
	// 由已提交事务推出的逻辑文件长度(I5)
	fileSize uint64

	mt   *MemTable
	meta *layout.Meta
	lm   *LogMgr
	tm   *TxMgr
	bm   *BitmapMgr
}

func NewBlkTable(mt *MemTable, meta *layout.Meta, lm *LogMgr, tm *TxMgr, bm *BitmapMgr) *BlkTable {
	return &BlkTable{mt: mt, meta: meta, lm: lm, tm: tm, bm: bm}
}

// 重放所有新提交的 tx entry，返回重放后的日志尾。
// doAlloc: 越界且缺块时是否现场分配(写路径为 true)。
// initBitmap: 恢复时顺带在 bitmap 镜像里标已分配块
func (b *BlkTable) CatchUp(alloc *Allocator, doAlloc, initBitmap bool) TxCursor {
	b.lock.Lock()
	defer b.lock.Unlock()

	// 上一轮可能把游标推到了越界态
	if !b.tm.HandleIdxOverflow(&b.tail, alloc, doAlloc) {
		return b.tail
	}
	if initBitmap && b.tail.BlockIdx != 0 {
		b.markChainFrom(b.tail.BlockIdx)
	}

	for {
		e := b.tm.GetEntry(b.tail)
		if !e.IsValid() {
			break
		}
		if !e.IsDummy() {
			if e.IsInline() {
				b.applyInline(e, initBitmap)
			} else {
				b.applyIndirect(e, initBitmap)
			}
		}
		if !b.tm.Advance(&b.tail, alloc, doAlloc) {
			break
		}
		if initBitmap && b.tail.LocalIdx == 0 && b.tail.BlockIdx != 0 {
			// 跨进了新的 tx 块，镜像里也要标上
			b.markTxBlock(b.tail.BlockIdx)
		}
	}
	return b.tail
}

func (b *BlkTable) markTxBlock(lidx layout.LogicalBlockIdx) {
	b.bm.MirrorSet(lidx)
}

// 恢复起点在链中间时，把从 head 到起点的 tx 块都标上
func (b *BlkTable) markChainFrom(target layout.LogicalBlockIdx) {
	for cur := b.meta.LogHead(); cur != 0; {
		b.bm.MirrorSet(cur)
		if cur == target {
			break
		}
		cur = layout.NewTxBlock(b.mt.Addr(cur)).Next()
	}
}

func (b *BlkTable) applyInline(e layout.TxEntry, initBitmap bool) {
	num := e.NumBlocks()
	vidx := e.BeginVidx()
	lidx := e.BeginLidx()
	b.resizeToFit(vidx + layout.VirtualBlockIdx(num))
	for i := uint32(0); i < num; i++ {
		b.table[uint32(vidx)+i] = lidx + layout.LogicalBlockIdx(i)
		if initBitmap {
			b.bm.MirrorSet(lidx + layout.LogicalBlockIdx(i))
		}
	}
	// inline 提交不带 leftover，按块对齐推长度
	end := uint64(uint32(vidx)+num) << utils.BlockShift
	if end > b.fileSize {
		b.fileSize = end
	}
}

func (b *BlkTable) applyIndirect(e layout.TxEntry, initBitmap bool) {
	head := e.LogHead()
	beginVidx, numBlocks, lidxs := b.lm.Coverage(head, b.bm, initBitmap)

	endVidx := beginVidx + layout.VirtualBlockIdx(numBlocks)
	b.resizeToFit(endVidx)

	nowVidx := beginVidx
	runIdx := 0
	for nowVidx < endVidx {
		chunk := uint32(endVidx - nowVidx)
		if chunk > utils.BitmapCapacity {
			chunk = utils.BitmapCapacity
		}
		for i := uint32(0); i < chunk; i++ {
			b.table[uint32(nowVidx)+i] = lidxs[runIdx] + layout.LogicalBlockIdx(i)
		}
		nowVidx += layout.VirtualBlockIdx(chunk)
		runIdx++
	}

	end := uint64(endVidx)<<utils.BlockShift - uint64(b.lm.TailLeftover(head))
	if end > b.fileSize {
		b.fileSize = end
	}
}

// 容量按 2 的幂增长
func (b *BlkTable) resizeToFit(v layout.VirtualBlockIdx) {
	if uint32(len(b.table)) > uint32(v) {
		return
	}
	nextPow2 := 1 << (32 - bits.LeadingZeros32(uint32(v)))
	grown := make([]layout.LogicalBlockIdx, nextPow2)
	copy(grown, b.table)
	b.table = grown
}

// catch-up 之后的纯 O(1) 查询
func (b *BlkTable) Get(vidx layout.VirtualBlockIdx) layout.LogicalBlockIdx {
	b.lock.Lock()
	defer b.lock.Unlock()
	if int(vidx) >= len(b.table) {
		return 0
	}
	return b.table[vidx]
}

func (b *BlkTable) FileSize() uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.fileSize
}

// GC 在独占期间直接读表
func (b *BlkTable) Snapshot() ([]layout.LogicalBlockIdx, uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	snap := make([]layout.LogicalBlockIdx, len(b.table))
	copy(snap, b.table)
	return snap, b.fileSize
}
