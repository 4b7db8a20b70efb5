// layout 定义PM上的持久化布局：块类型、位图word、事务条目与日志条目。
// 所有结构都直接叠加在 mmap 出来的 []byte 上，8 字节 word 一律用
// sync/atomic 以 acquire/release 语义读写。
package layout

import (
	"sync/atomic"
	"unsafe"

	"upmfs/utils"
)

// 逻辑块号：PM 文件内的块下标，0 号是 Meta 块
type LogicalBlockIdx uint32

// 虚拟块号：应用视角的块下标 (offset / 4096)
type VirtualBlockIdx uint32

/*
 * Idx: 0          1          2
 * +----------+----------+----------+----------+----------+----------
 * |   Meta   | Bitmap 1 | Bitmap 2 |   ...    | Data/Log |   ...
 * +----------+----------+----------+----------+----------+----------
 * Meta 块后面固定跟 num_bitmap_blocks 个 bitmap 块
 */

// Meta 块第一条 cacheline 的字段偏移
const (
	offSignature       = 0x00
	offFileSize        = 0x10
	offNumBlocks       = 0x18
	offNumBitmapBlocks = 0x1C
	offLogHead         = 0x20
	offLogTail         = 0x24

	// 第二条 cacheline: futex word + 持有者 pid
	offLockWord  = 0x40
	offLockOwner = 0x44

	// 第 2~3 条 cacheline: inline bitmap
	offInlineBitmap = 2 * utils.CachelineSize
	// 第 4~63 条 cacheline: inline tx entry
	offInlineTxEntry = (2 + utils.NumClBitmapInMeta) * utils.CachelineSize
)

func u32At(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func u64At(b []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}

// Meta 是块 0 的视图
type Meta struct {
	b []byte
}

func NewMeta(b []byte) *Meta {
	utils.AssertTrue(len(b) >= utils.BlockSize)
	return &Meta{b: b[:utils.BlockSize]}
}

// 新文件的初始化：写签名并把 meta 块和 bitmap 块标为已分配。
// 只会在文件刚创建时调用一次
func (m *Meta) Init() {
	copy(m.b[offSignature:offSignature+16], utils.Signature[:])
	atomic.StoreUint32(u32At(m.b, offNumBitmapBlocks), utils.NumBitmapBlocks)
	for i := LogicalBlockIdx(0); i <= utils.NumBitmapBlocks; i++ {
		m.SetAllocated(i)
	}
	utils.Persist(m.b[:utils.CachelineSize])
}

func (m *Meta) CheckSignature() bool {
	sig := m.b[offSignature : offSignature+16]
	for i := range utils.Signature {
		if sig[i] != utils.Signature[i] {
			return false
		}
	}
	return true
}

func (m *Meta) IsEmpty() bool {
	for _, c := range m.b[offSignature : offSignature+16] {
		if c != 0 {
			return false
		}
	}
	return true
}

func (m *Meta) FileSize() uint64 {
	return atomic.LoadUint64(u64At(m.b, offFileSize))
}

func (m *Meta) SetFileSize(size uint64) {
	atomic.StoreUint64(u64At(m.b, offFileSize), size)
	utils.Persist(m.b[offFileSize : offFileSize+8])
}

// 提交后把逻辑长度单调推大；并发提交各自 CAS，取最大者
func (m *Meta) GrowFileSize(size uint64) {
	w := u64At(m.b, offFileSize)
	for {
		cur := atomic.LoadUint64(w)
		if size <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(w, cur, size) {
			utils.Persist(m.b[offFileSize : offFileSize+8])
			return
		}
	}
}

func (m *Meta) NumBlocks() uint32 {
	return atomic.LoadUint32(u32At(m.b, offNumBlocks))
}

// 持有 meta 锁时调用
func (m *Meta) SetNumBlocksNoLock(n uint32) {
	atomic.StoreUint32(u32At(m.b, offNumBlocks), n)
	utils.Persist(m.b[offNumBlocks : offNumBlocks+4])
}

func (m *Meta) NumBitmapBlocks() uint32 {
	return atomic.LoadUint32(u32At(m.b, offNumBitmapBlocks))
}

// inline tx entry 用完之后，LogHead 指向第一个 TxLog 块
func (m *Meta) LogHead() LogicalBlockIdx {
	return LogicalBlockIdx(atomic.LoadUint32(u32At(m.b, offLogHead)))
}

func (m *Meta) SetLogHead(idx LogicalBlockIdx) {
	atomic.StoreUint32(u32At(m.b, offLogHead), uint32(idx))
	utils.Persist(m.b[offLogHead : offLogHead+4])
}

// CAS 发布 log head，竞争失败说明别的线程已经接好了链
func (m *Meta) TrySetLogHead(idx LogicalBlockIdx) bool {
	ok := atomic.CompareAndSwapUint32(u32At(m.b, offLogHead), 0, uint32(idx))
	if ok {
		utils.Persist(m.b[offLogHead : offLogHead+4])
	}
	return ok
}

// log tail 只是 hint，不保证最新
func (m *Meta) LogTail() LogicalBlockIdx {
	return LogicalBlockIdx(atomic.LoadUint32(u32At(m.b, offLogTail)))
}

func (m *Meta) SetLogTail(idx LogicalBlockIdx) {
	atomic.StoreUint32(u32At(m.b, offLogTail), uint32(idx))
}

// inline bitmap：word 视图，i ∈ [0, NumInlineBitmap)
func (m *Meta) InlineBitmapWord(i int) *uint64 {
	utils.AssertTrue(i < utils.NumInlineBitmap)
	return u64At(m.b, offInlineBitmap+i*8)
}

// 把 lidx 在 inline bitmap 中置位；只覆盖前 NumInlineBitmap*64 块
func (m *Meta) SetAllocated(lidx LogicalBlockIdx) {
	utils.AssertTrue(int(lidx) < utils.NumInlineBitmap*64)
	SetBit(m.InlineBitmapWord(int(lidx)/64), uint(lidx)%64)
}

// inline tx entry，i ∈ [0, NumInlineTxEntry)
func (m *Meta) InlineTxEntry(i int) TxEntry {
	utils.AssertTrue(i < utils.NumInlineTxEntry)
	return TxEntry(atomic.LoadUint64(u64At(m.b, offInlineTxEntry+i*8)))
}

// CAS 0 → entry；成功即提交
func (m *Meta) TryCommitInline(e TxEntry, i int) bool {
	ok := atomic.CompareAndSwapUint64(u64At(m.b, offInlineTxEntry+i*8), 0, uint64(e))
	if ok {
		utils.Persist(m.b[offInlineTxEntry+i*8 : offInlineTxEntry+i*8+8])
	}
	return ok
}

// 让 inline tx entry 全部失效(GC 收缩日志前缀时使用)
func (m *Meta) InvalidateInlineTxEntries() {
	for i := 0; i < utils.NumInlineTxEntry; i++ {
		atomic.StoreUint64(u64At(m.b, offInlineTxEntry+i*8), uint64(TxEntryDummy))
	}
	utils.Persist(m.b[offInlineTxEntry:utils.BlockSize])
}

func (m *Meta) Bytes() []byte { return m.b }

// TxBlock 是 TxLog 块的视图：prev/next 链接 + 定长 tx entry 数组
type TxBlock struct {
	b []byte
}

const (
	offTxPrev    = 0
	offTxNext    = 4
	offTxEntries = 8
)

func NewTxBlock(b []byte) *TxBlock {
	utils.AssertTrue(len(b) >= utils.BlockSize)
	return &TxBlock{b: b[:utils.BlockSize]}
}

func (t *TxBlock) Prev() LogicalBlockIdx {
	return LogicalBlockIdx(atomic.LoadUint32(u32At(t.b, offTxPrev)))
}

func (t *TxBlock) SetPrev(idx LogicalBlockIdx) {
	atomic.StoreUint32(u32At(t.b, offTxPrev), uint32(idx))
}

func (t *TxBlock) Next() LogicalBlockIdx {
	return LogicalBlockIdx(atomic.LoadUint32(u32At(t.b, offTxNext)))
}

// 块满后由竞争到的线程接上新块，其余线程跟随
func (t *TxBlock) TrySetNext(idx LogicalBlockIdx) bool {
	ok := atomic.CompareAndSwapUint32(u32At(t.b, offTxNext), 0, uint32(idx))
	if ok {
		utils.Persist(t.b[offTxNext : offTxNext+4])
	}
	return ok
}

func (t *TxBlock) Get(i int) TxEntry {
	utils.AssertTrue(i < utils.NumTxEntryPerBlock)
	return TxEntry(atomic.LoadUint64(u64At(t.b, offTxEntries+i*8)))
}

func (t *TxBlock) TryCommit(e TxEntry, i int) bool {
	ok := atomic.CompareAndSwapUint64(u64At(t.b, offTxEntries+i*8), 0, uint64(e))
	if ok {
		utils.Persist(t.b[offTxEntries+i*8 : offTxEntries+i*8+8])
	}
	return ok
}

// 填 dummy，GC 收尾时把未用的槽位占掉
func (t *TxBlock) StoreDummy(i int) {
	atomic.StoreUint64(u64At(t.b, offTxEntries+i*8), uint64(TxEntryDummy))
}

func (t *TxBlock) Bytes() []byte { return t.b }
