package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upmfs/utils"
)

func TestTxEntryInline(t *testing.T) {
	e := NewInlineTx(63, 12345, 67890)
	assert.True(t, e.IsValid())
	assert.True(t, e.IsInline())
	assert.False(t, e.IsDummy())
	assert.Equal(t, uint32(63), e.NumBlocks())
	assert.Equal(t, VirtualBlockIdx(12345), e.BeginVidx())
	assert.Equal(t, LogicalBlockIdx(67890), e.BeginLidx())
}

func TestTxEntryIndirect(t *testing.T) {
	head := LogEntryIdx{BlockIdx: 42, LocalIdx: 100}
	e := NewIndirectTx(head)
	assert.True(t, e.IsValid())
	assert.False(t, e.IsInline())
	assert.Equal(t, head, e.LogHead())
}

func TestTxEntryZeroAndDummy(t *testing.T) {
	var zero TxEntry
	assert.False(t, zero.IsValid())
	assert.True(t, TxEntryDummy.IsValid())
	assert.True(t, TxEntryDummy.IsDummy())
}

func TestLogEntryCodec(t *testing.T) {
	e := &LogEntry{
		Op:            OpOverwrite,
		LeftoverBytes: 123,
		BeginVidx:     7,
		NumBlocks:     130,
		Lidxs:         []LogicalBlockIdx{100, 200, 300},
	}
	buf := make([]byte, e.Slots()*utils.LogSlotSize)
	e.EncodeTo(buf)

	d := DecodeLogEntry(buf)
	assert.Equal(t, e.Op, d.Op)
	assert.False(t, d.HasNext)
	assert.Equal(t, e.LeftoverBytes, d.LeftoverBytes)
	assert.Equal(t, e.BeginVidx, d.BeginVidx)
	assert.Equal(t, e.NumBlocks, d.NumBlocks)
	assert.Equal(t, e.Lidxs, d.Lidxs)
}

func TestLogEntryPatchNext(t *testing.T) {
	e := &LogEntry{Op: OpOverwrite, NumBlocks: 64, Lidxs: []LogicalBlockIdx{9}}
	buf := make([]byte, e.Slots()*utils.LogSlotSize)
	e.EncodeTo(buf)

	PatchNextBlock(buf, 77)
	d := DecodeLogEntry(buf)
	require.True(t, d.HasNext)
	assert.Equal(t, LogicalBlockIdx(77), d.NextBlockIdx)

	e.EncodeTo(buf)
	PatchNextLocal(buf, 6)
	d = DecodeLogEntry(buf)
	require.True(t, d.HasNext)
	assert.Equal(t, uint16(6), d.NextLocalIdx)
	assert.Equal(t, LogicalBlockIdx(0), d.NextBlockIdx)
}

func TestLogEntrySlots(t *testing.T) {
	// 16B 头占 2 个 slot，尾部 lidx 两个一组
	assert.Equal(t, 3, LogEntrySlots(1))
	assert.Equal(t, 3, LogEntrySlots(2))
	assert.Equal(t, 4, LogEntrySlots(3))
	assert.Equal(t, 6, LogEntrySlots(utils.MaxRunsPerLogEntry))
}

func TestBitmapAllocOne(t *testing.T) {
	var w uint64
	for i := 0; i < 64; i++ {
		assert.Equal(t, i, AllocOne(&w))
	}
	assert.Equal(t, -1, AllocOne(&w))

	ClearBit(&w, 13)
	assert.Equal(t, 13, AllocOne(&w))
}

func TestBitmapAllocAll(t *testing.T) {
	var w uint64
	assert.True(t, AllocAll(&w))
	assert.Equal(t, BitmapAllUsed, w)
	// 非空 word 上的批量分配必须失败
	assert.False(t, AllocAll(&w))

	var w2 uint64
	SetBit(&w2, 0)
	assert.False(t, AllocAll(&w2))
}

func TestMetaLayout(t *testing.T) {
	b := make([]byte, utils.BlockSize)
	m := NewMeta(b)
	assert.True(t, m.IsEmpty())

	m.Init()
	require.True(t, m.CheckSignature())
	// meta 自己和 bitmap 块都已置位
	for i := LogicalBlockIdx(0); i <= utils.NumBitmapBlocks; i++ {
		assert.True(t, TestBit(m.InlineBitmapWord(0), uint(i)))
	}

	m.GrowFileSize(100)
	assert.Equal(t, uint64(100), m.FileSize())
	m.GrowFileSize(50)
	assert.Equal(t, uint64(100), m.FileSize(), "file size must be monotone")

	assert.True(t, m.TrySetLogHead(7))
	assert.False(t, m.TrySetLogHead(8))
	assert.Equal(t, LogicalBlockIdx(7), m.LogHead())

	e := NewInlineTx(1, 0, 9)
	require.True(t, m.TryCommitInline(e, 0))
	assert.False(t, m.TryCommitInline(e, 0), "slot transitions zero→non-zero once")
	assert.Equal(t, e, m.InlineTxEntry(0))
}

func TestTxBlockCommit(t *testing.T) {
	b := make([]byte, utils.BlockSize)
	tb := NewTxBlock(b)

	e := NewInlineTx(2, 4, 20)
	require.True(t, tb.TryCommit(e, 0))
	assert.False(t, tb.TryCommit(e, 0))
	assert.Equal(t, e, tb.Get(0))

	assert.True(t, tb.TrySetNext(5))
	assert.False(t, tb.TrySetNext(6))
	assert.Equal(t, LogicalBlockIdx(5), tb.Next())
}
