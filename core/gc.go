package core

import (
	"os"

	"upmfs/layout"
	"upmfs/utils"
)

// GarbageCollector 回收不再被任何存活线程引用的 tx 块和孤儿数据块。
// 做法(对应离线版的重建链表)：把当前 BlkTable 重新编码成一条新的
// tx 链，接在旧日志尾之前，然后按回收镜像释放旧链和废数据块。
// 所有存活槽位必须都 pin 在日志尾块上才会动手——pin 边界之后的块
// 永远不碰
type GarbageCollector struct {
	mt   *MemTable
	meta *layout.Meta
	lm   *LogMgr
	tm   *TxMgr
	bt   *BlkTable
	bm   *BitmapMgr
	shm  *ShmMgr
}

func NewGarbageCollector(mt *MemTable, meta *layout.Meta, lm *LogMgr, tm *TxMgr,
	bt *BlkTable, bm *BitmapMgr, shm *ShmMgr) *GarbageCollector {
	return &GarbageCollector{mt: mt, meta: meta, lm: lm, tm: tm, bt: bt, bm: bm, shm: shm}
}

// 清掉已死槽位(CrashedPeer)：它们的 pin 不再挡 GC
func (gc *GarbageCollector) resetDeadSlots() {
	for i := 0; i < utils.MaxNumThreads; i++ {
		ptd := gc.shm.PerThread(i)
		if ptd.State() == SlotInitialized && !ptd.IsAlive() {
			ptd.Reset()
		}
	}
}

// 安全边界：存活槽位的最小 pin。返回 ok=false 表示没有存活槽位
func (gc *GarbageCollector) safeBoundary() (layout.LogicalBlockIdx, bool) {
	min := layout.LogicalBlockIdx(0)
	found := false
	for i := 0; i < utils.MaxNumThreads; i++ {
		ptd := gc.shm.PerThread(i)
		if !ptd.IsAlive() {
			continue
		}
		p := ptd.Pinned()
		if !found || p < min {
			min = p
			found = true
		}
	}
	return min, found
}

// extraAllocators: 本文件当前闲置在池里的分配器(已被调用方独占)，
// 它们的私有 log 块和 free list 不能当垃圾
func (gc *GarbageCollector) Run(alloc *Allocator, extraAllocators []*Allocator) {
	statGCPass.add(1)
	gc.resetDeadSlots()

	tail := gc.bt.CatchUp(alloc, true, false)
	// 日志尾还在 meta inline 区，没什么可回收
	if tail.BlockIdx == 0 {
		return
	}
	first := gc.meta.LogHead()
	// 尾块紧跟 meta，链长不足
	if first == tail.BlockIdx {
		return
	}

	// pin 检查：所有存活槽位都必须已经推进到尾块。
	// 其他进程的私有 log 块在提交前对我们不可见，只要有外进程
	// 存活就不能回收
	self := os.Getpid()
	for i := 0; i < utils.MaxNumThreads; i++ {
		ptd := gc.shm.PerThread(i)
		if !ptd.IsAlive() {
			continue
		}
		if ptd.Pid() != self {
			return
		}
		if ptd.Pinned() != tail.BlockIdx {
			return
		}
	}

	snap, fileSize := gc.bt.Snapshot()

	newBlocks, ok := gc.rebuildChain(alloc, snap, fileSize, tail.BlockIdx, first)
	if !ok {
		return
	}

	gc.recycle(alloc, extraAllocators, snap, newBlocks, tail.BlockIdx)
}

// 把表快照编码成新的 tx 链：连续 run 合成 inline entry，
// 最后一个 entry 如有 leftover 则落 log 走 indirect。
// 新链的最后一块 next 指向旧尾块；meta.log_head 切到新链头。
// 新链不比旧前缀短时放弃(重建没有收益)
func (gc *GarbageCollector) rebuildChain(alloc *Allocator, snap []layout.LogicalBlockIdx,
	fileSize uint64, tailBlock, oldFirst layout.LogicalBlockIdx) ([]layout.LogicalBlockIdx, bool) {

	firstNew, err := alloc.Alloc(1)
	if err != nil {
		return nil, false
	}
	newBlocks := []layout.LogicalBlockIdx{firstNew}
	curBlock := layout.NewTxBlock(gc.mt.Addr(firstNew))
	for i := range curBlock.Bytes() {
		curBlock.Bytes()[i] = 0
	}
	curLocal := 0

	store := func(e layout.TxEntry) bool {
		if curLocal == utils.NumTxEntryPerBlock {
			next, err := alloc.Alloc(1)
			if err != nil {
				return false
			}
			nb := layout.NewTxBlock(gc.mt.Addr(next))
			for i := range nb.Bytes() {
				nb.Bytes()[i] = 0
			}
			nb.SetPrev(newBlocks[len(newBlocks)-1])
			utils.Persist(curBlock.Bytes())
			ok := curBlock.TrySetNext(next)
			utils.AssertTrue(ok)
			newBlocks = append(newBlocks, next)
			curBlock = nb
			curLocal = 0
		}
		ok := curBlock.TryCommit(e, curLocal)
		utils.AssertTrue(ok)
		curLocal++
		return true
	}

	numBlocks := uint32((fileSize + utils.BlockSize - 1) >> utils.BlockShift)
	leftover := uint16(uint64(numBlocks)<<utils.BlockShift - fileSize)

	begin := uint32(0)
	emit := func(end uint32, last bool) bool {
		for begin < end {
			n := end - begin
			if n > utils.InlineTxNumBlocksMax {
				n = utils.InlineTxNumBlocksMax
			}
			if last && leftover != 0 && begin+n == end {
				// 尾部带 leftover 的一段走 indirect
				head, err := gc.lm.Append(alloc, layout.OpOverwrite, leftover, n,
					layout.VirtualBlockIdx(begin),
					[]layout.LogicalBlockIdx{snap[begin]})
				if err != nil {
					return false
				}
				if !store(layout.NewIndirectTx(head)) {
					return false
				}
			} else if !store(layout.NewInlineTx(n, layout.VirtualBlockIdx(begin), snap[begin])) {
				return false
			}
			begin += n
		}
		return true
	}

	// 扫描快照，连续的 (vidx,lidx) 段合成一个 entry；洞直接跳过
	i := uint32(0)
	for i < numBlocks && int(i) < len(snap) {
		if snap[i] == 0 {
			i++
			begin = i
			continue
		}
		j := i + 1
		for j < numBlocks && int(j) < len(snap) &&
			snap[j] == snap[i]+layout.LogicalBlockIdx(j-i) {
			j++
		}
		begin = i
		if !emit(j, j >= numBlocks) {
			return nil, false
		}
		i = j
	}

	// 新链不短于旧前缀就没有意义，放弃并归还新块
	oldLen := 0
	for cur := oldFirst; cur != 0 && cur != tailBlock; {
		oldLen++
		cur = layout.NewTxBlock(gc.mt.Addr(cur)).Next()
	}
	if len(newBlocks) >= oldLen {
		for _, b := range newBlocks {
			alloc.Free(b, 1)
		}
		return nil, false
	}

	// 剩余槽位填 dummy，再接上旧尾块
	for curLocal < utils.NumTxEntryPerBlock {
		curBlock.StoreDummy(curLocal)
		curLocal++
	}
	ok := curBlock.TrySetNext(tailBlock)
	utils.AssertTrue(ok)
	utils.Persist(curBlock.Bytes())
	utils.Fence()

	gc.meta.SetLogHead(firstNew)
	gc.meta.InvalidateInlineTxEntries()
	return newBlocks, true
}

// 回收镜像：所有已分配但从可达集里掉出去的块。
// 可达 = meta/bitmap 块 + 新链 + 尾块及其后继 + 它们引用的 log/数据块
// + 当前表快照 + 本进程分配器私有的 log 块
func (gc *GarbageCollector) recycle(alloc *Allocator, extraAllocators []*Allocator,
	snap []layout.LogicalBlockIdx, newBlocks []layout.LogicalBlockIdx,
	tailBlock layout.LogicalBlockIdx) {

	numBlocks := gc.mt.NumBlocks()
	live := make([]bool, numBlocks)
	mark := func(lidx layout.LogicalBlockIdx) {
		if uint32(lidx) < numBlocks {
			live[lidx] = true
		}
	}

	for lidx := layout.LogicalBlockIdx(0); lidx <= utils.NumBitmapBlocks; lidx++ {
		mark(lidx)
	}
	for _, b := range newBlocks {
		mark(b)
	}
	for _, l := range snap {
		if l != 0 {
			mark(l)
		}
	}

	// 新链 + 尾块开始的后继链：tx 块本身和每个 indirect entry 的 log 链
	markChain := func(from layout.LogicalBlockIdx) {
		for cur := from; cur != 0; {
			mark(cur)
			blk := layout.NewTxBlock(gc.mt.Addr(cur))
			for i := 0; i < utils.NumTxEntryPerBlock; i++ {
				e := blk.Get(i)
				if !e.IsValid() {
					break
				}
				if e.IsDummy() || e.IsInline() {
					continue
				}
				gc.markLogChain(e.LogHead(), mark)
			}
			cur = blk.Next()
		}
	}
	markChain(gc.meta.LogHead())

	for _, a := range append(extraAllocators, alloc) {
		if a == nil {
			continue
		}
		for _, l := range a.LogBlocks() {
			mark(l)
		}
		for _, r := range a.freeList {
			for i := uint32(0); i < r.len; i++ {
				mark(r.start + layout.LogicalBlockIdx(i))
			}
		}
	}

	image := make([]layout.LogicalBlockIdx, numBlocks)
	recycled := int64(0)
	for lidx := layout.LogicalBlockIdx(0); uint32(lidx) < numBlocks; lidx++ {
		if !live[lidx] && gc.bm.IsAllocated(lidx) {
			image[lidx] = lidx
			recycled++
		}
	}
	alloc.FreeImage(image)
	statGCRecycled.add(recycled)
	utils.Logger.Debugf("gc: recycled %d blocks, new chain %d blocks", recycled, len(newBlocks))
}

func (gc *GarbageCollector) markLogChain(head layout.LogEntryIdx, mark func(layout.LogicalBlockIdx)) {
	cur := head
	for {
		mark(cur.BlockIdx)
		block := gc.mt.Addr(cur.BlockIdx)
		e := layout.DecodeLogEntry(block[int(cur.LocalIdx)*utils.LogSlotSize:])
		if !e.HasNext {
			return
		}
		next := layout.LogEntryIdx{BlockIdx: e.NextBlockIdx, LocalIdx: e.NextLocalIdx}
		if next.BlockIdx == 0 {
			next.BlockIdx = cur.BlockIdx
		}
		cur = next
	}
}
