package upmfs

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"upmfs/core"
	"upmfs/layout"
	"upmfs/utils"
)

// Dump 把文件的持久状态打给 w：meta 字段、bitmap 占用、
// 事务日志和物化后的块表。离线检查工具用
func (f *File) Dump(w io.Writer) {
	f.bt.CatchUp(nil, false, false)

	fmt.Fprintf(w, "meta:\n")
	fmt.Fprintf(w, "\tsignature valid: %v\n", f.meta.CheckSignature())
	fmt.Fprintf(w, "\tfile size: %s (%d bytes)\n", humanize.IBytes(f.meta.FileSize()), f.meta.FileSize())
	fmt.Fprintf(w, "\tnum blocks: %d (%s mapped)\n", f.meta.NumBlocks(),
		humanize.IBytes(uint64(f.meta.NumBlocks())*utils.BlockSize))
	fmt.Fprintf(w, "\tnum bitmap blocks: %d\n", f.meta.NumBitmapBlocks())
	fmt.Fprintf(w, "\tlog head: %d, log tail hint: %d\n", f.meta.LogHead(), f.meta.LogTail())
	fmt.Fprintf(w, "\tallocated blocks: %d\n", f.bm.CountAllocated())
	fmt.Fprintf(w, "\tshm: %s\n", f.shm.Path())

	fmt.Fprintf(w, "transactions:\n")
	count := 0
	f.tm.Walk(func(c core.TxCursor, e layout.TxEntry) bool {
		if e.IsDummy() {
			return true
		}
		count++
		if e.IsInline() {
			fmt.Fprintf(w, "\t%d: (%d,%d) inline vidx=%d lidx=%d n=%d\n",
				count, c.BlockIdx, c.LocalIdx, e.BeginVidx(), e.BeginLidx(), e.NumBlocks())
		} else {
			vidx, n, lidxs := f.tm.DecodeCoverage(e)
			fmt.Fprintf(w, "\t%d: (%d,%d) indirect vidx=%d n=%d runs=%v\n",
				count, c.BlockIdx, c.LocalIdx, vidx, n, lidxs)
		}
		return true
	})
	fmt.Fprintf(w, "\ttotal = %d\n", count)

	fmt.Fprintf(w, "block table: (virtual block index -> logical block index)\n")
	snap, size := f.bt.Snapshot()
	for v, l := range snap {
		if l != 0 {
			fmt.Fprintf(w, "\t%d -> %d\n", v, l)
		}
	}
	fmt.Fprintf(w, "\tlogical size = %d\n", size)
}
