package core

import (
	"upmfs/layout"
	"upmfs/utils"
)

// 洞块读出来都是 0
var zeroBlock [utils.BlockSize]byte

// 事务按触碰范围分为四类(tagged dispatch，原版是模板)：
//
//	aligned:     整块对齐写，不读旧块，无需 OCC
//	singleBlock: 单块内写，COW 读前像，提交冲突时 OCC 调和
//	multiBlock:  跨块非对齐写，内部块按 aligned、边界块按 singleBlock
//	read:        只读，catch-up 后直接 memcpy
//
// 公共次序：数据块写入 → persist+fence → log entry → persist+fence →
// tx entry CAS。提交字是单个 8B 原子写，恢复时要么看见要么没有
func (tm *TxMgr) DoPwrite(alloc *Allocator, buf []byte, offset uint64) (int, error) {
	count := uint64(len(buf))
	if count == 0 {
		return 0, nil
	}

	// 全对齐，无 OCC
	if offset%utils.BlockSize == 0 && count%utils.BlockSize == 0 {
		return tm.alignedTx(alloc, buf, offset)
	}
	// 触碰范围落在单块内
	if offset>>utils.BlockShift == (offset+count-1)>>utils.BlockShift {
		return tm.singleBlockTx(alloc, buf, offset)
	}
	return tm.multiBlockTx(alloc, buf, offset)
}

func (tm *TxMgr) DoPread(alloc *Allocator, buf []byte, offset uint64) (int, error) {
	return tm.readTx(alloc, buf, offset)
}

// 顺序写：领 offset 票；O_APPEND 时从当前 EOF 开始
func (tm *TxMgr) DoWrite(alloc *Allocator, buf []byte, appendMode bool) (int, uint64, error) {
	tm.bt.CatchUp(alloc, true, false)
	fileSize := tm.bt.FileSize()
	count := uint64(len(buf))

	var ticket, offset uint64
	if appendMode {
		ticket, offset = tm.om.AcquireAppend(count, fileSize)
	} else {
		ticket, offset, _ = tm.om.Acquire(count, fileSize, true, false)
	}
	n, err := tm.DoPwrite(alloc, buf, offset)
	tm.om.Release(ticket)
	return n, offset, err
}

// 顺序读：在 EOF 截断
func (tm *TxMgr) DoRead(alloc *Allocator, buf []byte) (int, error) {
	tm.bt.CatchUp(alloc, false, false)
	fileSize := tm.bt.FileSize()

	ticket, offset, n := tm.om.Acquire(uint64(len(buf)), fileSize, false, true)
	var err error
	var done int
	if n > 0 {
		done, err = tm.readTx(alloc, buf[:n], offset)
	}
	tm.om.Release(ticket)
	return done, err
}

// 块 i(事务内 0 起)对应的新 lidx
func runLidx(runs []layout.LogicalBlockIdx, i uint32) layout.LogicalBlockIdx {
	return runs[i/utils.BitmapCapacity] + layout.LogicalBlockIdx(i%utils.BitmapCapacity)
}

func (tm *TxMgr) alignedTx(alloc *Allocator, buf []byte, offset uint64) (int, error) {
	count := uint64(len(buf))
	numBlocks := uint32(count >> utils.BlockShift)
	beginVidx := layout.VirtualBlockIdx(offset >> utils.BlockShift)

	runs, err := alloc.AllocRuns(numBlocks)
	if err != nil {
		return 0, err
	}

	for i := uint32(0); i < numBlocks; i++ {
		dst := tm.mt.Addr(runLidx(runs, i))
		copy(dst, buf[uint64(i)<<utils.BlockShift:])
		utils.Persist(dst)
	}
	utils.Fence()

	tail := tm.bt.CatchUp(alloc, true, false)
	entry, err := tm.makeCommitEntry(alloc, numBlocks, beginVidx, runs, 0)
	if err != nil {
		return 0, err
	}
	tm.Append(alloc, entry, tail, nil)
	tm.meta.GrowFileSize(offset + count)
	statAlignedTx.add(1)
	return int(count), nil
}

func (tm *TxMgr) singleBlockTx(alloc *Allocator, buf []byte, offset uint64) (int, error) {
	count := uint64(len(buf))
	vidx := layout.VirtualBlockIdx(offset >> utils.BlockShift)
	localOff := offset & (utils.BlockSize - 1)

	newLidx, err := alloc.Alloc(1)
	if err != nil {
		return 0, err
	}
	dst := tm.mt.Addr(newLidx)

	tail := tm.bt.CatchUp(alloc, true, false)

	// COW：读前像，整块拷贝后覆盖目标字节
	tm.copyBlock(dst, tm.bt.Get(vidx))
	copy(dst[localOff:], buf)
	utils.Persist(dst)
	utils.Fence()

	end := offset + count
	entry, err := tm.singleCommitEntry(alloc, vidx, newLidx, end)
	if err != nil {
		return 0, err
	}

	tm.Append(alloc, entry, tail, func(winner layout.TxEntry) layout.TxEntry {
		// 别的提交赢了这个槽位；若它改了我们的前像块，
		// 把写区间之外的字节从新版本重拷一遍
		if wl, ok := tm.entryLidxOf(winner, vidx); ok {
			src := tm.mt.Addr(wl)
			copy(dst[:localOff], src[:localOff])
			copy(dst[localOff+count:], src[localOff+count:])
			utils.Persist(dst)
			utils.Fence()
			statOCCRetry.add(1)
		}
		return entry
	})
	tm.meta.GrowFileSize(end)
	statSingleBlockTx.add(1)
	return int(count), nil
}

func (tm *TxMgr) multiBlockTx(alloc *Allocator, buf []byte, offset uint64) (int, error) {
	count := uint64(len(buf))
	end := offset + count
	vbegin := layout.VirtualBlockIdx(offset >> utils.BlockShift)
	vend := layout.VirtualBlockIdx((end - 1) >> utils.BlockShift)
	numBlocks := uint32(vend-vbegin) + 1
	localOff := offset & (utils.BlockSize - 1)
	endOff := end & (utils.BlockSize - 1)

	runs, err := alloc.AllocRuns(numBlocks)
	if err != nil {
		return 0, err
	}

	tail := tm.bt.CatchUp(alloc, true, false)

	// 内部块走 aligned 语义，至多两个边界块要 COW 前像
	srcOff := uint64(0)
	for i := uint32(0); i < numBlocks; i++ {
		dst := tm.mt.Addr(runLidx(runs, i))
		switch {
		case i == 0 && localOff > 0:
			tm.copyBlock(dst[:localOff], tm.bt.Get(vbegin))
			n := copy(dst[localOff:], buf)
			srcOff += uint64(n)
		case i == numBlocks-1 && endOff > 0:
			tm.copyBlock(dst, tm.bt.Get(vend))
			copy(dst[:endOff], buf[srcOff:])
		default:
			copy(dst, buf[srcOff:srcOff+utils.BlockSize])
			srcOff += utils.BlockSize
		}
		utils.Persist(dst)
	}
	utils.Fence()

	entry, err := tm.makeCommitEntry(alloc, numBlocks, vbegin, runs,
		tm.leftoverOf(uint64(vend+1)<<utils.BlockShift, end))
	if err != nil {
		return 0, err
	}

	tm.Append(alloc, entry, tail, func(winner layout.TxEntry) layout.TxEntry {
		// OCC 只作用于两个边界块
		if localOff > 0 {
			if wl, ok := tm.entryLidxOf(winner, vbegin); ok {
				dst := tm.mt.Addr(runs[0])
				copy(dst[:localOff], tm.mt.Addr(wl)[:localOff])
				utils.Persist(dst[:localOff])
				statOCCRetry.add(1)
			}
		}
		if endOff > 0 {
			if wl, ok := tm.entryLidxOf(winner, vend); ok {
				dst := tm.mt.Addr(runLidx(runs, numBlocks-1))
				copy(dst[endOff:], tm.mt.Addr(wl)[endOff:])
				utils.Persist(dst[endOff:])
				statOCCRetry.add(1)
			}
		}
		utils.Fence()
		return entry
	})
	tm.meta.GrowFileSize(end)
	statMultiBlockTx.add(1)
	return int(count), nil
}

// 读事务：不分配、不追加日志
func (tm *TxMgr) readTx(alloc *Allocator, buf []byte, offset uint64) (int, error) {
	tm.bt.CatchUp(alloc, false, false)
	fileSize := tm.bt.FileSize()
	if offset >= fileSize {
		return 0, nil
	}
	count := uint64(len(buf))
	if offset+count > fileSize {
		count = fileSize - offset
	}

	done := uint64(0)
	for done < count {
		vidx := layout.VirtualBlockIdx((offset + done) >> utils.BlockShift)
		localOff := (offset + done) & (utils.BlockSize - 1)
		n := utils.BlockSize - localOff
		if n > count-done {
			n = count - done
		}
		src := zeroBlock[:]
		if lidx := tm.bt.Get(vidx); lidx != 0 {
			src = tm.mt.Addr(lidx)
		}
		copy(buf[done:done+n], src[localOff:localOff+n])
		done += n
	}
	statReadTx.add(1)
	return int(count), nil
}

// 整块读前像；洞块补零
func (tm *TxMgr) copyBlock(dst []byte, src layout.LogicalBlockIdx) {
	if src == 0 {
		copy(dst, zeroBlock[:len(dst)])
		return
	}
	copy(dst, tm.mt.Addr(src)[:len(dst)])
}

// 选择提交形态：单 run 且 ≤63 块且无 leftover 用 inline，
// 否则落 log 链走 indirect
func (tm *TxMgr) makeCommitEntry(alloc *Allocator, numBlocks uint32,
	beginVidx layout.VirtualBlockIdx, runs []layout.LogicalBlockIdx,
	leftover uint16) (layout.TxEntry, error) {

	if len(runs) == 1 && numBlocks <= utils.InlineTxNumBlocksMax && leftover == 0 {
		return layout.NewInlineTx(numBlocks, beginVidx, runs[0]), nil
	}
	head, err := tm.lm.Append(alloc, layout.OpOverwrite, leftover, numBlocks, beginVidx, runs)
	if err != nil {
		return 0, err
	}
	return layout.NewIndirectTx(head), nil
}

// 提交后的逻辑长度是 max(旧长度, 本次写尾)。inline 提交在重放时
// 会把长度推到 entry 的块对齐末尾——只要那个末尾超出真实长度，就必须
// 改走带 leftover 的 indirect，否则重放会把文件"撑"到块边界
func (tm *TxMgr) leftoverOf(entryEndBytes, writeEnd uint64) uint16 {
	targetSize := tm.bt.FileSize()
	if writeEnd > targetSize {
		targetSize = writeEnd
	}
	if entryEndBytes <= targetSize {
		return 0
	}
	return uint16(entryEndBytes - targetSize)
}

// 单块提交：尾块非对齐时带 leftover 走 indirect，否则 inline
func (tm *TxMgr) singleCommitEntry(alloc *Allocator, vidx layout.VirtualBlockIdx,
	newLidx layout.LogicalBlockIdx, end uint64) (layout.TxEntry, error) {

	leftover := tm.leftoverOf(uint64(vidx+1)<<utils.BlockShift, end)
	if leftover != 0 {
		head, err := tm.lm.Append(alloc, layout.OpOverwrite, leftover, 1, vidx,
			[]layout.LogicalBlockIdx{newLidx})
		if err != nil {
			return 0, err
		}
		return layout.NewIndirectTx(head), nil
	}
	return layout.NewInlineTx(1, vidx, newLidx), nil
}

// winner 是否覆盖 vidx；覆盖则给出它为 vidx 发布的新 lidx
func (tm *TxMgr) entryLidxOf(e layout.TxEntry, vidx layout.VirtualBlockIdx) (layout.LogicalBlockIdx, bool) {
	if e.IsDummy() || !e.IsValid() {
		return 0, false
	}
	if e.IsInline() {
		begin := e.BeginVidx()
		if vidx >= begin && uint32(vidx-begin) < e.NumBlocks() {
			return e.BeginLidx() + layout.LogicalBlockIdx(vidx-begin), true
		}
		return 0, false
	}
	begin, num, lidxs := tm.lm.Coverage(e.LogHead(), nil, false)
	if vidx < begin || uint32(vidx-begin) >= num {
		return 0, false
	}
	delta := uint32(vidx - begin)
	return lidxs[delta/utils.BitmapCapacity] + layout.LogicalBlockIdx(delta%utils.BitmapCapacity), true
}
