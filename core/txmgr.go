package core

import (
	"upmfs/layout"
	"upmfs/utils"
)

// TxCursor 定位 tx 日志里的一个槽位。
// BlockIdx == 0 表示还在 meta 块的 inline 区
type TxCursor struct {
	BlockIdx layout.LogicalBlockIdx
	LocalIdx int
}

func (c TxCursor) capacity() int {
	if c.BlockIdx == 0 {
		return utils.NumInlineTxEntry
	}
	return utils.NumTxEntryPerBlock
}

// TxMgr 维护整个文件共享的提交日志：追加、冲突解析与游标推进
type TxMgr struct {
	mt   *MemTable
	meta *layout.Meta
	lm   *LogMgr
	bt   *BlkTable
	om   *OffsetMgr
}

func NewTxMgr(mt *MemTable, meta *layout.Meta, lm *LogMgr) *TxMgr {
	return &TxMgr{mt: mt, meta: meta, lm: lm, om: NewOffsetMgr()}
}

// File 构造时把相互引用接上(所有权都在 File，这里只是裸引用)
func (tm *TxMgr) Bind(bt *BlkTable) { tm.bt = bt }

func (tm *TxMgr) Offset() *OffsetMgr { return tm.om }

func (tm *TxMgr) txBlock(lidx layout.LogicalBlockIdx) *layout.TxBlock {
	return layout.NewTxBlock(tm.mt.Addr(lidx))
}

// 读出游标处的 entry；空槽返回 0
func (tm *TxMgr) GetEntry(c TxCursor) layout.TxEntry {
	if c.BlockIdx == 0 {
		return tm.meta.InlineTxEntry(c.LocalIdx)
	}
	return tm.txBlock(c.BlockIdx).Get(c.LocalIdx)
}

// 在游标处 CAS 提交；返回是否成功
func (tm *TxMgr) tryCommit(e layout.TxEntry, c TxCursor) bool {
	if c.BlockIdx == 0 {
		return tm.meta.TryCommitInline(e, c.LocalIdx)
	}
	return tm.txBlock(c.BlockIdx).TryCommit(e, c.LocalIdx)
}

// 处理 local idx 越界：跨到下一个 tx 块。
// 下一块不存在且 doAlloc 时现场分配一个接上。
// 返回 false 表示已到日志尾且不允许分配
func (tm *TxMgr) HandleIdxOverflow(c *TxCursor, alloc *Allocator, doAlloc bool) bool {
	if c.LocalIdx < c.capacity() {
		return true
	}
	var next layout.LogicalBlockIdx
	if c.BlockIdx == 0 {
		next = tm.meta.LogHead()
	} else {
		next = tm.txBlock(c.BlockIdx).Next()
	}
	if next == 0 {
		if !doAlloc {
			return false
		}
		next = tm.allocNextTxBlock(c.BlockIdx, alloc)
	}
	c.BlockIdx = next
	c.LocalIdx = 0
	if alloc != nil {
		// 游标进入新块，更新 pin，GC 不得回收该块及其后继
		alloc.PerThread().SetPinned(next)
	}
	return true
}

// 分配并链接一个新的 tx 块；CAS 竞争失败就用别人接好的
func (tm *TxMgr) allocNextTxBlock(curr layout.LogicalBlockIdx, alloc *Allocator) layout.LogicalBlockIdx {
	lidx, err := alloc.Alloc(1)
	utils.Panic(err)
	nb := layout.NewTxBlock(tm.mt.Addr(lidx))
	nb.SetPrev(curr)
	utils.Persist(nb.Bytes())

	var won bool
	var winner layout.LogicalBlockIdx
	if curr == 0 {
		won = tm.meta.TrySetLogHead(lidx)
		winner = tm.meta.LogHead()
	} else {
		blk := tm.txBlock(curr)
		won = blk.TrySetNext(lidx)
		winner = blk.Next()
	}
	if !won {
		alloc.Free(lidx, 1)
		return winner
	}
	tm.meta.SetLogTail(lidx)
	return lidx
}

// 推进一个槽位；越界时跨块
func (tm *TxMgr) Advance(c *TxCursor, alloc *Allocator, doAlloc bool) bool {
	c.LocalIdx++
	return tm.HandleIdxOverflow(c, alloc, doAlloc)
}

// 提交流程：从 hint 开始在日志尾找空槽 CAS。
// 失败说明有并发提交者，回调 onConflict 让事务做 OCC 调和后继续。
// 返回最终落位的游标
func (tm *TxMgr) Append(alloc *Allocator, e layout.TxEntry, tail TxCursor,
	onConflict func(winner layout.TxEntry) layout.TxEntry) TxCursor {

	c := tail
	for {
		// catch-up 可能把游标留在越界态，先归一化
		ok := tm.HandleIdxOverflow(&c, alloc, true)
		utils.AssertTrue(ok)
		if tm.tryCommit(e, c) {
			return c
		}
		winner := tm.GetEntry(c)
		if onConflict != nil && winner.IsValid() && !winner.IsDummy() {
			e = onConflict(winner)
		}
		c.LocalIdx++
	}
}

// 从日志头开始遍历全部 entry，离线工具用。fn 返回 false 提前停
func (tm *TxMgr) Walk(fn func(c TxCursor, e layout.TxEntry) bool) {
	c := TxCursor{}
	for {
		if !tm.HandleIdxOverflow(&c, nil, false) {
			return
		}
		e := tm.GetEntry(c)
		if !e.IsValid() {
			return
		}
		if !fn(c, e) {
			return
		}
		c.LocalIdx++
	}
}

// 解码 indirect entry 的覆盖范围，离线工具用
func (tm *TxMgr) DecodeCoverage(e layout.TxEntry) (layout.VirtualBlockIdx, uint32, []layout.LogicalBlockIdx) {
	return tm.lm.Coverage(e.LogHead(), nil, false)
}
