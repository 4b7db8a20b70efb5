package core

import (
	"math/bits"
	"sync/atomic"

	"upmfs/layout"
	"upmfs/utils"
)

// BitmapMgr 把分配状态的仲裁放在 shm 里的 DRAM 镜像上(比读 PM bitmap 快)，
// PM 上的 inline bitmap 和 bitmap 块作为持久副本写穿。
// 恢复时镜像由事务日志重建，PM 副本随后回写——所以崩溃时未提交的
// 分配位在恢复后自然是清零的
type BitmapMgr struct {
	words []uint64 // shm 镜像，NumBitmapWords 个 word
	meta  *layout.Meta
	mt    *MemTable
}

func NewBitmapMgr(shmWords []uint64, meta *layout.Meta, mt *MemTable) *BitmapMgr {
	utils.AssertTrue(len(shmWords) == utils.NumBitmapWords)
	return &BitmapMgr{words: shmWords, meta: meta, mt: mt}
}

func (b *BitmapMgr) Word(i int) *uint64 {
	return &b.words[i]
}

// word i 的 PM 副本：前 NumInlineBitmap 个在 meta 块里，其余在 bitmap 块里
func (b *BitmapMgr) pmWord(i int) (*uint64, []byte) {
	if i < utils.NumInlineBitmap {
		return b.meta.InlineBitmapWord(i), b.meta.Bytes()[2*utils.CachelineSize+i*8 : 2*utils.CachelineSize+i*8+8]
	}
	i -= utils.NumInlineBitmap
	blk := layout.LogicalBlockIdx(1 + i/utils.NumBitmapPerBlock)
	w := i % utils.NumBitmapPerBlock
	block := b.mt.Addr(blk)
	return &layout.WordsOf(block)[w], block[w*8 : w*8+8]
}

// 批量原语：一次拿下 word i 的 64 个连续块
func (b *BitmapMgr) AllocAllWord(i int) bool {
	if !layout.AllocAll(&b.words[i]) {
		return false
	}
	pw, pb := b.pmWord(i)
	atomic.StoreUint64(pw, layout.BitmapAllUsed)
	utils.Persist(pb)
	return true
}

func (b *BitmapMgr) SetAllocated(lidx layout.LogicalBlockIdx) {
	i, bit := int(lidx)/64, uint(lidx)%64
	layout.SetBit(&b.words[i], bit)
	pw, pb := b.pmWord(i)
	layout.SetBit(pw, bit)
	utils.Persist(pb)
}

func (b *BitmapMgr) Clear(lidx layout.LogicalBlockIdx) {
	i, bit := int(lidx)/64, uint(lidx)%64
	layout.ClearBit(&b.words[i], bit)
	pw, pb := b.pmWord(i)
	layout.ClearBit(pw, bit)
	utils.Persist(pb)
}

func (b *BitmapMgr) IsAllocated(lidx layout.LogicalBlockIdx) bool {
	return layout.TestBit(&b.words[int(lidx)/64], uint(lidx)%64)
}

// 恢复用：只动镜像，结束后统一回写
func (b *BitmapMgr) MirrorReset() {
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], 0)
	}
}

func (b *BitmapMgr) MirrorSet(lidx layout.LogicalBlockIdx) {
	layout.SetBit(&b.words[int(lidx)/64], uint(lidx)%64)
}

// 镜像里已置位的总块数
func (b *BitmapMgr) CountAllocated() int {
	total := 0
	for i := range b.words {
		total += bits.OnesCount64(atomic.LoadUint64(&b.words[i]))
	}
	return total
}

// 把镜像整体写回 PM 并持久化
func (b *BitmapMgr) WriteBack() {
	for i := range b.words {
		pw, _ := b.pmWord(i)
		atomic.StoreUint64(pw, atomic.LoadUint64(&b.words[i]))
	}
	utils.Persist(b.meta.Bytes())
	for blk := layout.LogicalBlockIdx(1); blk <= utils.NumBitmapBlocks; blk++ {
		utils.Persist(b.mt.Addr(blk))
	}
}
