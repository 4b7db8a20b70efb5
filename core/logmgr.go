package core

import (
	"upmfs/layout"
	"upmfs/utils"
)

// LogMgr 负责组装一个事务的 redo 记录并解码覆盖范围。
// 记录写在分配器的私有 log 块里，先于 tx entry 持久化
type LogMgr struct {
	mt *MemTable
}

func NewLogMgr(mt *MemTable) *LogMgr {
	return &LogMgr{mt: mt}
}

// 把一次事务涉及的 run 列表写成 log entry 链，返回头部游标。
// 每条 entry 尾部最多 MaxRunsPerLogEntry 个 run；除最后一条外都置
// has_next；leftover_bytes 只写在最后一条上
func (l *LogMgr) Append(alloc *Allocator, op byte, leftoverBytes uint16,
	numBlocks uint32, beginVidx layout.VirtualBlockIdx,
	beginLidxs []layout.LogicalBlockIdx) (layout.LogEntryIdx, error) {

	utils.AssertTrue(len(beginLidxs) >= 1)

	type pending struct {
		buf   []byte
		entry layout.LogEntry
	}
	var chain []pending

	head := layout.LogEntryIdx{}
	remainingBlocks := numBlocks
	runOff := 0
	vidx := beginVidx
	var prevHead []byte

	for runOff < len(beginLidxs) {
		numRuns := len(beginLidxs) - runOff
		if numRuns > utils.MaxRunsPerLogEntry {
			numRuns = utils.MaxRunsPerLogEntry
		}
		covered := uint32(numRuns) * utils.BitmapCapacity
		if covered > remainingBlocks {
			covered = remainingBlocks
		}

		idx, buf, err := alloc.AllocLogSlots(layout.LogEntrySlots(numRuns), true, prevHead)
		if err != nil {
			return layout.LogEntryIdx{}, err
		}
		if prevHead == nil {
			head = idx
		}

		e := layout.LogEntry{
			Op:        op,
			BeginVidx: vidx,
			NumBlocks: uint16(covered),
			Lidxs:     beginLidxs[runOff : runOff+numRuns],
		}
		last := runOff+numRuns == len(beginLidxs)
		if last {
			e.LeftoverBytes = leftoverBytes
		} else {
			e.HasNext = true
		}
		chain = append(chain, pending{buf: buf, entry: e})

		prevHead = buf
		runOff += numRuns
		remainingBlocks -= covered
		vidx += layout.VirtualBlockIdx(covered)
	}

	// next 指针在后继分配时已补到前驱的 buf 上，这里统一编码并刷回
	for i := range chain {
		hasNext := chain[i].entry.HasNext
		nextLocal := chain[i].entry.NextLocalIdx
		nextBlock := chain[i].entry.NextBlockIdx
		if hasNext {
			// 保留 AllocLogSlots 补上的 next 指针
			decoded := chain[i].buf
			nextLocal = uint16(decoded[10]) | uint16(decoded[11])<<8
			nextBlock = layout.LogicalBlockIdx(uint32(decoded[12]) |
				uint32(decoded[13])<<8 | uint32(decoded[14])<<16 | uint32(decoded[15])<<24)
		}
		chain[i].entry.NextLocalIdx = nextLocal
		chain[i].entry.NextBlockIdx = nextBlock
		chain[i].entry.EncodeTo(chain[i].buf)
		utils.Persist(chain[i].buf)
	}
	utils.Fence()
	return head, nil
}

// 解码一条 log 链的总覆盖：起始 vidx、总块数和每个 run 的起始 lidx。
// initBitmap 时顺带把 log 块本身和引用到的数据块在镜像里置位(恢复用)
func (l *LogMgr) Coverage(head layout.LogEntryIdx, bm *BitmapMgr, initBitmap bool) (
	beginVidx layout.VirtualBlockIdx, numBlocks uint32, lidxs []layout.LogicalBlockIdx) {

	cur := head
	first := true
	for {
		block := l.mt.Addr(cur.BlockIdx)
		if initBitmap {
			bm.MirrorSet(cur.BlockIdx)
		}
		e := layout.DecodeLogEntry(block[int(cur.LocalIdx)*utils.LogSlotSize:])
		if first {
			beginVidx = e.BeginVidx
			first = false
		}
		remaining := uint32(e.NumBlocks)
		for _, lidx := range e.Lidxs {
			lidxs = append(lidxs, lidx)
			if initBitmap {
				n := remaining
				if n > utils.BitmapCapacity {
					n = utils.BitmapCapacity
				}
				for i := uint32(0); i < n; i++ {
					bm.MirrorSet(lidx + layout.LogicalBlockIdx(i))
				}
				remaining -= n
			}
		}
		numBlocks += uint32(e.NumBlocks)
		if !e.HasNext {
			return
		}
		next := layout.LogEntryIdx{BlockIdx: e.NextBlockIdx, LocalIdx: e.NextLocalIdx}
		if next.BlockIdx == 0 {
			// next 还在同一个块里
			next.BlockIdx = cur.BlockIdx
		}
		cur = next
	}
}

// 取最后一条 entry 的 leftover_bytes(I5 需要)
func (l *LogMgr) TailLeftover(head layout.LogEntryIdx) uint16 {
	cur := head
	for {
		block := l.mt.Addr(cur.BlockIdx)
		e := layout.DecodeLogEntry(block[int(cur.LocalIdx)*utils.LogSlotSize:])
		if !e.HasNext {
			return e.LeftoverBytes
		}
		next := layout.LogEntryIdx{BlockIdx: e.NextBlockIdx, LocalIdx: e.NextLocalIdx}
		if next.BlockIdx == 0 {
			next.BlockIdx = cur.BlockIdx
		}
		cur = next
	}
}
