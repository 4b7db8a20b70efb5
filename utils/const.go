package utils

import (
	"os"
	"unsafe"
)

const U32Size = int(unsafe.Sizeof(uint32(0)))
const U64Size = int(unsafe.Sizeof(uint64(0)))

// 块布局参数，全部由 block/cacheline 算术推导
const (
	BlockSize     = 4096
	BlockShift    = 12
	CachelineSize = 64

	LogSlotSize      = 8
	LogEntryHeadSize = 16

	// 每个 4KiB 块能容纳的各类条目数
	NumBitmapPerBlock  = BlockSize / 8           // 512 个 bitmap word
	NumTxEntryPerBlock = (BlockSize - 2*4) / 8   // 511 个 tx entry (块头是 prev/next)
	NumLogSlotPerBlock = BlockSize / LogSlotSize // 512 个 8B slot

	// Meta 块内各 cacheline 的划分
	NumClPerBlock      = BlockSize / CachelineSize               // 64
	NumClBitmapInMeta  = 2                                       // 2 行 inline bitmap
	NumClTxEntryInMeta = NumClPerBlock - 2 - NumClBitmapInMeta   // 60 行 inline tx entry
	NumInlineBitmap    = NumClBitmapInMeta * (CachelineSize / 8) // 16 word, 覆盖前 1024 块
	NumInlineTxEntry   = NumClTxEntryInMeta * (CachelineSize / 8)
)

// 文件增长与映射参数
const (
	// grow unit 为 2MiB，保证可以使用 hugepage 映射
	GrowUnitShift    = 21
	GrowUnitSize     = 1 << GrowUnitShift
	NumBlocksPerGrow = GrowUnitSize / BlockSize // 512
	PreallocSize     = GrowUnitSize
)

// bitmap 与共享内存的固定尺寸
const (
	// bitmap block 数固定，决定了单文件能管理的最大块数(~1GiB 数据)
	NumBitmapBlocks     = 8
	NumBitmapWords      = NumInlineBitmap + NumBitmapBlocks*NumBitmapPerBlock
	MaxNumBlocks        = NumBitmapWords * 64
	TotalNumBitmapBytes = NumBitmapWords * 8

	MaxNumThreads    = 64
	ShmPerThreadSize = 128
	ShmSize          = TotalNumBitmapBytes + MaxNumThreads*ShmPerThreadSize

	ShmDir       = "/dev/shm"
	ShmXattrName = "user.ulayfs.shm_path"
	ShmPathLen   = 64
)

// 文件签名，位于 Meta 块开头
var Signature = [16]byte{'U', 'L', 'A', 'Y', 'F', 'S'}

const (
	DefaultFileFlag = os.O_RDWR | os.O_CREATE
	DefaultFileMode = 0666
)

// 单个 tx 相关的编码上限
const (
	// inline tx entry 最多记录的块数
	InlineTxNumBlocksMax = 63
	// 一次 bitmap 批量分配的块数，也是 log entry 中一个 run 的上限
	BitmapCapacity = 64
	// 一条 log entry 尾部最多携带的 run 数
	MaxRunsPerLogEntry = 8
)

// 编译期开关
const (
	UseHugepage   = false
	DebugCounters = true

	// 心跳周期与判死界限(纳秒)，用于跨进程的存活检测
	HeartbeatIntervalNs = 200 * 1000 * 1000
	HeartbeatStaleNs    = 10 * HeartbeatIntervalNs
)
