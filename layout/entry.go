package layout

import (
	"encoding/binary"

	"upmfs/utils"
)

// TxEntry：8 字节原子提交记录。
// 0 表示空槽；全 1 是 dummy(占位)；bit63 区分 inline / indirect：
//
//	inline:   bit63=1 | numBlocks[0:6) | beginVidx[6:34) | beginLidx[34:63)
//	indirect: bit63=0 | logBlockIdx[0:32) | logLocalIdx[32:48)
type TxEntry uint64

const TxEntryDummy = TxEntry(^uint64(0))

const (
	txInlineBit = 1 << 63

	inlineVidxShift = 6
	inlineLidxShift = 34
	inlineVidxMask  = (1 << 28) - 1
	inlineLidxMask  = (1 << 29) - 1
)

// num ≤ 63 时才能走 inline 提交
func NewInlineTx(numBlocks uint32, vidx VirtualBlockIdx, lidx LogicalBlockIdx) TxEntry {
	utils.AssertTrue(numBlocks >= 1 && numBlocks <= utils.InlineTxNumBlocksMax)
	utils.AssertTrue(uint64(vidx) <= inlineVidxMask && uint64(lidx) <= inlineLidxMask)
	return TxEntry(txInlineBit |
		uint64(numBlocks) |
		uint64(vidx)<<inlineVidxShift |
		uint64(lidx)<<inlineLidxShift)
}

func NewIndirectTx(head LogEntryIdx) TxEntry {
	utils.AssertTrue(head.BlockIdx != 0)
	return TxEntry(uint64(head.BlockIdx) | uint64(head.LocalIdx)<<32)
}

func (e TxEntry) IsValid() bool { return e != 0 }
func (e TxEntry) IsDummy() bool { return e == TxEntryDummy }
func (e TxEntry) IsInline() bool {
	return uint64(e)&txInlineBit != 0
}

func (e TxEntry) NumBlocks() uint32 {
	return uint32(uint64(e) & (utils.InlineTxNumBlocksMax))
}

func (e TxEntry) BeginVidx() VirtualBlockIdx {
	return VirtualBlockIdx(uint64(e) >> inlineVidxShift & inlineVidxMask)
}

func (e TxEntry) BeginLidx() LogicalBlockIdx {
	return LogicalBlockIdx(uint64(e) >> inlineLidxShift & inlineLidxMask)
}

func (e TxEntry) LogHead() LogEntryIdx {
	return LogEntryIdx{
		BlockIdx: LogicalBlockIdx(uint64(e) & 0xFFFFFFFF),
		LocalIdx: uint16(uint64(e) >> 32),
	}
}

// LogEntryIdx 定位一条 log entry：所在块 + 块内 8B slot 下标
type LogEntryIdx struct {
	BlockIdx LogicalBlockIdx
	LocalIdx uint16
}

// 日志操作类型
const (
	OpOverwrite = byte(1)
)

/*
LogEntry：16 字节头 + 变长尾部。头部字段(小端、紧凑)：

	b0     op(低7位) | hasNext(bit7)
	b1     numRuns
	b2-3   leftoverBytes
	b4-7   beginVidx
	b8-9   numBlocks
	b10-11 nextLocalIdx
	b12-15 nextBlockIdx

尾部是 numRuns 个 u32 lidx，按 8B slot 两个一组往后排，
每个 lidx 是一段 ≤64 块 run 的起始逻辑块号
*/
type LogEntry struct {
	Op            byte
	HasNext       bool
	LeftoverBytes uint16
	BeginVidx     VirtualBlockIdx
	NumBlocks     uint16
	NextLocalIdx  uint16
	NextBlockIdx  LogicalBlockIdx
	Lidxs         []LogicalBlockIdx
}

const logHasNextBit = 1 << 7

// 头部加尾部总共占用的 8B slot 数
func LogEntrySlots(numRuns int) int {
	utils.AssertTrue(numRuns >= 1 && numRuns <= utils.MaxRunsPerLogEntry)
	return utils.LogEntryHeadSize/utils.LogSlotSize + (numRuns+1)/2
}

func (e *LogEntry) Slots() int { return LogEntrySlots(len(e.Lidxs)) }

// 编码到一条 log block 内部的字节区间(b 从头部起始算)
func (e *LogEntry) EncodeTo(b []byte) {
	utils.AssertTrue(len(b) >= e.Slots()*utils.LogSlotSize)
	flags := e.Op & 0x7F
	if e.HasNext {
		flags |= logHasNextBit
	}
	b[0] = flags
	b[1] = byte(len(e.Lidxs))
	binary.LittleEndian.PutUint16(b[2:], e.LeftoverBytes)
	binary.LittleEndian.PutUint32(b[4:], uint32(e.BeginVidx))
	binary.LittleEndian.PutUint16(b[8:], e.NumBlocks)
	binary.LittleEndian.PutUint16(b[10:], e.NextLocalIdx)
	binary.LittleEndian.PutUint32(b[12:], uint32(e.NextBlockIdx))
	for i, lidx := range e.Lidxs {
		binary.LittleEndian.PutUint32(b[utils.LogEntryHeadSize+i*4:], uint32(lidx))
	}
}

func DecodeLogEntry(b []byte) *LogEntry {
	e := &LogEntry{
		Op:            b[0] & 0x7F,
		HasNext:       b[0]&logHasNextBit != 0,
		LeftoverBytes: binary.LittleEndian.Uint16(b[2:]),
		BeginVidx:     VirtualBlockIdx(binary.LittleEndian.Uint32(b[4:])),
		NumBlocks:     binary.LittleEndian.Uint16(b[8:]),
		NextLocalIdx:  binary.LittleEndian.Uint16(b[10:]),
		NextBlockIdx:  LogicalBlockIdx(binary.LittleEndian.Uint32(b[12:])),
	}
	numRuns := int(b[1])
	utils.AssertTrue(numRuns >= 1 && numRuns <= utils.MaxRunsPerLogEntry)
	e.Lidxs = make([]LogicalBlockIdx, numRuns)
	for i := range e.Lidxs {
		e.Lidxs[i] = LogicalBlockIdx(binary.LittleEndian.Uint32(b[utils.LogEntryHeadSize+i*4:]))
	}
	return e
}

// 原地补 next 指针并置 has_next；这里不刷回，由调用方在整条链编码后持久化
func PatchNextBlock(head []byte, idx LogicalBlockIdx) {
	binary.LittleEndian.PutUint32(head[12:], uint32(idx))
	head[0] |= logHasNextBit
}

func PatchNextLocal(head []byte, local uint16) {
	binary.LittleEndian.PutUint16(head[10:], local)
	head[0] |= logHasNextBit
}
