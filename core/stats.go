package core

import (
	"expvar"

	"upmfs/utils"
)

// 调试计数器，编译期开关关掉后不计数
type counter struct {
	v *expvar.Int
}

func newCounter(name string) counter {
	return counter{v: expvar.NewInt(name)}
}

func (c counter) add(n int64) {
	if utils.DebugCounters {
		c.v.Add(n)
	}
}

func (c counter) Value() int64 { return c.v.Value() }

var (
	statAlignedTx     = newCounter("upmfs.tx.aligned")
	statSingleBlockTx = newCounter("upmfs.tx.single_block")
	statMultiBlockTx  = newCounter("upmfs.tx.multi_block")
	statReadTx        = newCounter("upmfs.tx.read")
	statOCCRetry      = newCounter("upmfs.tx.occ_retry")
	statGCPass        = newCounter("upmfs.gc.pass")
	statGCRecycled    = newCounter("upmfs.gc.recycled_blocks")
)

// Stats 是当前进程的计数快照
type Stats struct {
	AlignedTx     int64
	SingleBlockTx int64
	MultiBlockTx  int64
	ReadTx        int64
	OCCRetry      int64
	GCPass        int64
	GCRecycled    int64
}

func ReadStats() Stats {
	return Stats{
		AlignedTx:     statAlignedTx.Value(),
		SingleBlockTx: statSingleBlockTx.Value(),
		MultiBlockTx:  statMultiBlockTx.Value(),
		ReadTx:        statReadTx.Value(),
		OCCRetry:      statOCCRetry.Value(),
		GCPass:        statGCPass.Value(),
		GCRecycled:    statGCRecycled.Value(),
	}
}
