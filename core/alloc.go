package core

import (
	"sort"

	"github.com/pkg/errors"

	"upmfs/layout"
	"upmfs/utils"
)

// freeRun 是 DRAM free list 里的一段连续空闲块
type freeRun struct {
	len   uint32
	start layout.LogicalBlockIdx
}

// Allocator 按"线程"私有(实际按操作从 File 的池里取用)，互不共享。
// 细粒度分配由 free list 提供，整批 64 块从共享 bitmap 上 CAS 拿取；
// log entry 从私有 log 块里切 8B slot
type Allocator struct {
	mt  *MemTable
	bm  *BitmapMgr
	ptd *PerThreadData

	// 按 (len, start) 升序，best-fit 用二分
	freeList []freeRun
	// 上次成功分配的 bitmap word 位置，作为下次搜索起点
	recentBitmapIdx int

	// 私有 log 块
	logBlocks       []layout.LogicalBlockIdx
	currLogBlock    []byte
	currLogLidx     layout.LogicalBlockIdx
	freeLogLocalIdx int
}

func NewAllocator(mt *MemTable, bm *BitmapMgr, ptd *PerThreadData) *Allocator {
	return &Allocator{
		mt:  mt,
		bm:  bm,
		ptd: ptd,
		// 初始视为"块已满"，第一次分配时申请新 log 块
		freeLogLocalIdx: utils.NumLogSlotPerBlock,
	}
}

func (a *Allocator) PerThread() *PerThreadData { return a.ptd }

func (a *Allocator) sortFreeList() {
	sort.Slice(a.freeList, func(i, j int) bool {
		if a.freeList[i].len != a.freeList[j].len {
			return a.freeList[i].len < a.freeList[j].len
		}
		return a.freeList[i].start < a.freeList[j].start
	})
}

// 分配 n ≤ 64 个连续块。先 best-fit 查 free list，
// 不够再去 bitmap 整批拿 64 块，剩余的进 free list
func (a *Allocator) Alloc(n uint32) (layout.LogicalBlockIdx, error) {
	utils.AssertTrue(n >= 1 && n <= utils.BitmapCapacity)

	// lower_bound on (n, 0)
	i := sort.Search(len(a.freeList), func(i int) bool {
		return a.freeList[i].len >= n
	})
	if i < len(a.freeList) {
		run := a.freeList[i]
		utils.AssertTrue(run.start != 0)
		if run.len == n {
			a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
			return run.start, nil
		}
		// 拆一段，原地收缩后重排
		a.freeList[i].len -= n
		a.freeList[i].start += layout.LogicalBlockIdx(n)
		a.sortFreeList()
		return run.start, nil
	}

	// 从全局 bitmap 整批申请
	for w := a.recentBitmapIdx; w < utils.NumBitmapWords; w++ {
		if !a.bm.AllocAllWord(w) {
			continue
		}
		start := layout.LogicalBlockIdx(w * 64)
		// 保证内核文件系统里真的有这些块
		a.mt.Validate(start + utils.BitmapCapacity - 1)
		if n < utils.BitmapCapacity {
			a.freeList = append(a.freeList, freeRun{
				len:   utils.BitmapCapacity - n,
				start: start + layout.LogicalBlockIdx(n),
			})
			a.sortFreeList()
		}
		// 这个 word 已整批取走，下次从后面找
		a.recentBitmapIdx = w + 1
		return start, nil
	}
	return 0, errors.Wrapf(utils.ErrOutOfSpace, "bitmap exhausted allocating %d blocks", n)
}

// 分块路径：总量不限于 64，按 ≤64 的 run 切开，返回每段的起始块号。
// 每个 run 覆盖 64 块，最后一段覆盖余数
func (a *Allocator) AllocRuns(numBlocks uint32) ([]layout.LogicalBlockIdx, error) {
	runs := make([]layout.LogicalBlockIdx, 0, (numBlocks+utils.BitmapCapacity-1)/utils.BitmapCapacity)
	remaining := numBlocks
	for remaining > 0 {
		n := remaining
		if n > utils.BitmapCapacity {
			n = utils.BitmapCapacity
		}
		start, err := a.Alloc(n)
		if err != nil {
			// 整个事务放弃，把已拿到的整批还回去
			for _, s := range runs {
				a.Free(s, utils.BitmapCapacity)
			}
			return nil, err
		}
		runs = append(runs, start)
		remaining -= n
	}
	return runs, nil
}

// 归还一段块到 free list；不和既有段合并(搜索代价不值得)
func (a *Allocator) Free(lidx layout.LogicalBlockIdx, n uint32) {
	if lidx == 0 {
		return
	}
	a.freeList = append(a.freeList, freeRun{len: n, start: lidx})
	a.sortFreeList()
}

// 把回收镜像里的非零项按连续性聚成 run 再归还。
// 只要 image[curr] == 段首 + (curr - 段首下标) 就继续当前段
func (a *Allocator) FreeImage(image []layout.LogicalBlockIdx) {
	if len(image) == 0 {
		return
	}
	groupBegin := 0
	groupBeginLidx := layout.LogicalBlockIdx(0)

	for curr := 0; curr < len(image); curr++ {
		if groupBeginLidx == 0 {
			if image[curr] == 0 {
				continue
			}
			groupBegin = curr
			groupBeginLidx = image[curr]
		} else {
			if image[curr] == groupBeginLidx+layout.LogicalBlockIdx(curr-groupBegin) {
				continue
			}
			a.freeList = append(a.freeList, freeRun{
				len:   uint32(curr - groupBegin),
				start: groupBeginLidx,
			})
			groupBeginLidx = image[curr]
			if groupBeginLidx != 0 {
				groupBegin = curr
			}
		}
	}
	if groupBeginLidx != 0 {
		a.freeList = append(a.freeList, freeRun{
			len:   uint32(len(image) - groupBegin),
			start: groupBeginLidx,
		})
	}
	a.sortFreeList()
}

// 从私有 log 块里分配 slots 个连续 8B slot。
// packAlign 要求起始 slot 为偶数，使 16B 头自然对齐。
// 跨块时把新块号补到 prevHead 的 next 指针上
func (a *Allocator) AllocLogSlots(slots int, packAlign bool, prevHead []byte) (layout.LogEntryIdx, []byte, error) {
	utils.AssertTrue(slots >= 1 && slots <= utils.NumLogSlotPerBlock)
	if packAlign {
		a.freeLogLocalIdx = (a.freeLogLocalIdx + 1) &^ 1
	}

	if a.freeLogLocalIdx+slots > utils.NumLogSlotPerBlock {
		lidx, err := a.Alloc(1)
		if err != nil {
			return layout.LogEntryIdx{}, nil, err
		}
		a.logBlocks = append(a.logBlocks, lidx)
		a.currLogBlock = a.mt.Addr(lidx)
		a.currLogLidx = lidx
		a.freeLogLocalIdx = 0
		if prevHead != nil {
			layout.PatchNextBlock(prevHead, lidx)
		}
	} else if prevHead != nil {
		layout.PatchNextLocal(prevHead, uint16(a.freeLogLocalIdx))
	}

	utils.AssertTrue(a.currLogBlock != nil)
	local := a.freeLogLocalIdx
	buf := a.currLogBlock[local*utils.LogSlotSize : (local+slots)*utils.LogSlotSize]
	// 分配即清零
	for i := range buf {
		buf[i] = 0
	}
	a.freeLogLocalIdx += slots
	return layout.LogEntryIdx{BlockIdx: a.currLogLidx, LocalIdx: uint16(local)}, buf, nil
}

// 仅测试与 GC 统计用
func (a *Allocator) FreeListLen() int { return len(a.freeList) }

func (a *Allocator) LogBlocks() []layout.LogicalBlockIdx { return a.logBlocks }
