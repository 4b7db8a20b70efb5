package core

import (
	"upmfs/layout"
	"upmfs/utils"
)

// 打开时的恢复：在 shm 是新建的，或者 shm 已存在但没有存活槽位
// (说明没有别的活跃进程)时运行。
// 从头重放已提交的日志，一次性重建 vidx→lidx 表和 bitmap 镜像，
// 然后把镜像回写到 PM。未提交事务的孤儿块不会被任何 tx entry 引用，
// 重建后它们的位自然是清零的——恢复从不前滚半截事务
func Recover(meta *layout.Meta, bt *BlkTable, bm *BitmapMgr) {
	bm.MirrorReset()

	// meta 块和 bitmap 块永远占用
	for lidx := layout.LogicalBlockIdx(0); lidx <= utils.NumBitmapBlocks; lidx++ {
		bm.MirrorSet(lidx)
	}

	// 重放：表、数据块、log 块、tx 块一趟全标出来
	bt.CatchUp(nil, false, true)

	// 表里每个存活逻辑块置位后，把镜像写回 PM
	bm.WriteBack()

	// meta 里的逻辑长度以重放结果为准
	meta.GrowFileSize(bt.FileSize())
}
