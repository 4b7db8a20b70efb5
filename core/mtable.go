// core 实现存储引擎本体：映射表、分配器、日志、事务与索引。
// DRAM 侧结构都在这里；持久布局见 layout 包
package core

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"upmfs/layout"
	"upmfs/utils"
	"upmfs/utils/mmap"
)

const growUnitInBlockMask = utils.NumBlocksPerGrow - 1

// MemTable 负责逻辑块号到映射地址的转换，按 grow unit 粒度增量映射，
// 对上层维持"文件无限大"的假象
type MemTable struct {
	fd   *os.File
	meta *layout.Meta

	// meta.num_blocks 的本地副本，避免每次都读共享内存；可能过期
	numBlocksLocal uint32

	mu sync.Mutex
	// hugepage 起始块号 → 该 grow unit 的映射
	table map[layout.LogicalBlockIdx][]byte
	// 原始映射区间，Unmap 时整段解除
	raw [][]byte
}

// 打开(或创建)数据文件的映射。文件尺寸会被圆整到 grow unit 的整数倍
func OpenMemTable(fd *os.File, fileSize int64) (*MemTable, *layout.Meta, error) {
	if fileSize%utils.BlockSize != 0 {
		return nil, nil, errors.Wrapf(utils.ErrNotOurFile, "file size %d not block-aligned", fileSize)
	}

	if fileSize == 0 {
		fileSize = utils.PreallocSize
		if err := fd.Truncate(fileSize); err != nil {
			return nil, nil, errors.Wrapf(err, "cannot truncate %s to %d", fd.Name(), fileSize)
		}
	} else if fileSize%utils.GrowUnitSize != 0 {
		fileSize = (fileSize>>utils.GrowUnitShift + 1) << utils.GrowUnitShift
		if err := fd.Truncate(fileSize); err != nil {
			return nil, nil, errors.Wrapf(err, "cannot truncate %s to %d", fd.Name(), fileSize)
		}
	}

	buf, err := mmap.MmapAt(fd, 0, fileSize, utils.UseHugepage)
	if err != nil && utils.UseHugepage {
		// hugepage 池不足时退回普通页
		buf, err = mmap.MmapAt(fd, 0, fileSize, false)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "while mmapping %s with size: %d", fd.Name(), fileSize)
	}

	mt := &MemTable{
		fd:    fd,
		table: make(map[layout.LogicalBlockIdx][]byte),
	}
	mt.raw = append(mt.raw, buf)
	numBlocks := uint32(fileSize >> utils.BlockShift)
	for idx := layout.LogicalBlockIdx(0); idx < layout.LogicalBlockIdx(numBlocks); idx += utils.NumBlocksPerGrow {
		off := int64(idx) << utils.BlockShift
		mt.table[idx] = buf[off : off+utils.GrowUnitSize]
	}

	mt.meta = layout.NewMeta(buf)
	mt.meta.SetNumBlocksNoLock(numBlocks)
	mt.numBlocksLocal = numBlocks
	return mt, mt.meta, nil
}

// 返回 lidx 对应块的 4KiB 视图，必要时先增长文件并补映射。
// 映射只增不减，直到文件关闭
func (m *MemTable) Addr(lidx layout.LogicalBlockIdx) []byte {
	hugepageIdx := lidx &^ growUnitInBlockMask
	offset := int(lidx&growUnitInBlockMask) << utils.BlockShift

	m.mu.Lock()
	region, ok := m.table[hugepageIdx]
	m.mu.Unlock()
	if ok {
		return region[offset : offset+utils.BlockSize]
	}

	m.Validate(lidx)

	hugepageOff := int64(hugepageIdx) << utils.BlockShift
	buf, err := mmap.MmapAt(m.fd, hugepageOff, utils.GrowUnitSize, utils.UseHugepage)
	if err != nil && utils.UseHugepage {
		buf, err = mmap.MmapAt(m.fd, hugepageOff, utils.GrowUnitSize, false)
	}
	// 映射失败属于基础设施不变量被破坏，直接 panic
	utils.CondPanic(err != nil, errors.Wrapf(err, "mmap grow unit at block %d", hugepageIdx))

	m.mu.Lock()
	if prev, ok := m.table[hugepageIdx]; ok {
		// 并发映射了同一段，保留先到的
		m.mu.Unlock()
		_ = mmap.Munmap(buf)
		return prev[offset : offset+utils.BlockSize]
	}
	m.table[hugepageIdx] = buf
	m.raw = append(m.raw, buf)
	m.mu.Unlock()
	return buf[offset : offset+utils.BlockSize]
}

// 确保 lidx 在内核文件系统中有真实的块
func (m *MemTable) Validate(lidx layout.LogicalBlockIdx) {
	// 快路径：本地副本够大
	if uint32(lidx) < atomic.LoadUint32(&m.numBlocksLocal) {
		return
	}

	// 中路径：刷新本地副本后重试
	atomic.StoreUint32(&m.numBlocksLocal, m.meta.NumBlocks())
	if uint32(lidx) < atomic.LoadUint32(&m.numBlocksLocal) {
		return
	}

	// 慢路径：拿 meta 锁校验并增长
	m.meta.Lock()
	m.growNoLock(lidx)
	m.meta.Unlock()
}

func (m *MemTable) growNoLock(lidx layout.LogicalBlockIdx) {
	// 拿到锁后需要再确认一次
	if uint32(lidx) < m.meta.NumBlocks() {
		return
	}
	newNumBlocks := (uint32(lidx)/utils.NumBlocksPerGrow + 1) * utils.NumBlocksPerGrow
	err := m.fd.Truncate(int64(newNumBlocks) << utils.BlockShift)
	utils.CondPanic(err != nil, errors.Wrap(err, "fail to ftruncate"))
	m.meta.SetNumBlocksNoLock(newNumBlocks)
	atomic.StoreUint32(&m.numBlocksLocal, newNumBlocks)
}

func (m *MemTable) NumBlocks() uint32 {
	return m.meta.NumBlocks()
}

func (m *MemTable) Unmap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, region := range m.raw {
		_ = mmap.Munmap(region)
	}
	m.raw = nil
	m.table = make(map[layout.LogicalBlockIdx][]byte)
}
