// upmfs 是面向字节寻址持久内存的用户态文件 I/O 引擎。
// 热路径绕过内核，读写直接作用在 mmap 出来的 PM 区域上，
// 崩溃一致性由内嵌的 log-structured 事务协议保证
package upmfs

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"upmfs/core"
	"upmfs/layout"
	"upmfs/utils"
)

// 每提交这么多次顺手试一轮 GC
const gcInterval = 4096

// File 独占持有自己的 MemTable、BlkTable、ShmMgr 和 TxMgr；
// 分配器按操作从池里取用，互不共享
type File struct {
	fd         *os.File
	flags      int
	appendMode bool
	writable   bool

	mt   *core.MemTable
	meta *layout.Meta
	shm  *core.ShmMgr
	bm   *core.BitmapMgr
	lm   *core.LogMgr
	tm   *core.TxMgr
	bt   *core.BlkTable
	gc   *core.GarbageCollector

	heartbeat *utils.Closer

	amu        sync.Mutex
	allocPool  []*core.Allocator
	writeCount uint64
	closeOnce  sync.Once
}

// 打开(必要时创建)一个引擎文件：映射 meta、打开 shm、跑恢复。
// 返回 ErrNotOurFile 时调用方应回退到内核 syscall
func OpenFile(path string, flags int, mode uint32) (*File, error) {
	// 引擎需要读旧块做 COW，O_WRONLY 升格为 O_RDWR
	if flags&unix.O_ACCMODE == unix.O_WRONLY {
		utils.Logger.Infof("file %q opened with O_WRONLY, changed to O_RDWR", path)
		flags = flags&^unix.O_WRONLY | unix.O_RDWR
	}

	fd, err := os.OpenFile(path, flags, os.FileMode(mode))
	if err != nil {
		return nil, err
	}

	var stat unix.Stat_t
	if err := unix.Fstat(int(fd.Fd()), &stat); err != nil {
		_ = fd.Close()
		return nil, errors.Wrap(err, "fstat failed")
	}
	// 非普通文件(socket、目录、块设备)不归引擎管
	if stat.Mode&unix.S_IFMT != unix.S_IFREG {
		_ = fd.Close()
		return nil, errors.Wrapf(utils.ErrNotOurFile, "non-regular file %q", path)
	}

	wasEmpty := stat.Size == 0
	mt, meta, err := core.OpenMemTable(fd, stat.Size)
	if err != nil {
		_ = fd.Close()
		return nil, err
	}

	if wasEmpty {
		meta.Init()
	} else if !meta.CheckSignature() {
		isEmpty := meta.IsEmpty()
		mt.Unmap()
		_ = fd.Close()
		if isEmpty {
			return nil, errors.Wrapf(utils.ErrNotOurFile, "no signature in %q", path)
		}
		return nil, errors.Wrapf(utils.ErrCorruption, "bad signature in %q", path)
	}

	shm, err := core.OpenShm(fd, &stat, meta)
	if err != nil {
		mt.Unmap()
		_ = fd.Close()
		return nil, err
	}

	bm := core.NewBitmapMgr(shm.BitmapWords(), meta, mt)
	lm := core.NewLogMgr(mt)
	tm := core.NewTxMgr(mt, meta, lm)
	bt := core.NewBlkTable(mt, meta, lm, tm, bm)
	tm.Bind(bt)

	f := &File{
		fd:         fd,
		flags:      flags,
		appendMode: flags&unix.O_APPEND != 0,
		writable:   flags&unix.O_ACCMODE != unix.O_RDONLY,
		mt:         mt,
		meta:       meta,
		shm:        shm,
		bm:         bm,
		lm:         lm,
		tm:         tm,
		bt:         bt,
	}
	f.gc = core.NewGarbageCollector(mt, meta, lm, tm, bt, bm, shm)

	// shm 新建，或者留下来的槽位全是死人，才需要重放重建镜像；
	// 有活跃进程时镜像就是现成的
	if shm.Created || !f.anyPeerAlive() {
		core.Recover(meta, bt, bm)
	} else {
		bt.CatchUp(nil, false, false)
	}

	f.heartbeat = utils.NewCloser()
	f.heartbeat.Add(1)
	go shm.RunHeartbeat(f.heartbeat)

	return f, nil
}

func (f *File) anyPeerAlive() bool {
	for i := 0; i < utils.MaxNumThreads; i++ {
		if f.shm.PerThread(i).IsAlive() {
			return true
		}
	}
	return false
}

// 取一个分配器；池空则新建(占一个 shm 存活槽位)
func (f *File) getAllocator() *core.Allocator {
	f.amu.Lock()
	if n := len(f.allocPool); n > 0 {
		a := f.allocPool[n-1]
		f.allocPool = f.allocPool[:n-1]
		f.amu.Unlock()
		return a
	}
	f.amu.Unlock()
	return core.NewAllocator(f.mt, f.bm, f.shm.AllocPerThreadData())
}

func (f *File) putAllocator(a *core.Allocator) {
	f.amu.Lock()
	f.allocPool = append(f.allocPool, a)
	f.amu.Unlock()
}

func (f *File) Pwrite(buf []byte, offset int64) (int, error) {
	if !f.writable {
		return 0, utils.ErrBadFd
	}
	if offset < 0 {
		return 0, utils.ErrInvalid
	}
	a := f.getAllocator()
	n, err := f.tm.DoPwrite(a, buf, uint64(offset))
	f.putAllocator(a)
	f.maybeGC()
	return n, err
}

func (f *File) Pread(buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, utils.ErrInvalid
	}
	a := f.getAllocator()
	n, err := f.tm.DoPread(a, buf, uint64(offset))
	f.putAllocator(a)
	return n, err
}

func (f *File) Write(buf []byte) (int, error) {
	if !f.writable {
		return 0, utils.ErrBadFd
	}
	a := f.getAllocator()
	n, _, err := f.tm.DoWrite(a, buf, f.appendMode)
	f.putAllocator(a)
	f.maybeGC()
	return n, err
}

func (f *File) Read(buf []byte) (int, error) {
	a := f.getAllocator()
	n, err := f.tm.DoRead(a, buf)
	f.putAllocator(a)
	return n, err
}

func (f *File) Lseek(offset int64, whence int) (int64, error) {
	om := f.tm.Offset()
	var newOff uint64
	var ok bool
	switch whence {
	case unix.SEEK_SET:
		newOff, ok = om.Seek(func(cur uint64) (uint64, bool) {
			if offset < 0 {
				return 0, false
			}
			return uint64(offset), true
		})
	case unix.SEEK_CUR:
		newOff, ok = om.Seek(func(cur uint64) (uint64, bool) {
			n := int64(cur) + offset
			if n < 0 {
				return 0, false
			}
			return uint64(n), true
		})
	case unix.SEEK_END:
		size := f.Size()
		newOff, ok = om.Seek(func(cur uint64) (uint64, bool) {
			n := int64(size) + offset
			if n < 0 {
				return 0, false
			}
			return uint64(n), true
		})
	default:
		// SEEK_DATA/SEEK_HOLE 不支持
		return 0, utils.ErrInvalid
	}
	if !ok {
		return 0, utils.ErrInvalid
	}
	return int64(newOff), nil
}

// 提交本身是同步持久化的，fsync 只剩一个内存序栅栏
func (f *File) Fsync() error {
	utils.Fence()
	return nil
}

// 逻辑文件长度(由已提交事务推出)
func (f *File) Size() uint64 {
	f.bt.CatchUp(nil, false, false)
	return f.bt.FileSize()
}

func (f *File) Fd() int { return int(f.fd.Fd()) }

// 关闭本进程侧的资源；shm 对象和 PM 文件留给其他打开者
func (f *File) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.heartbeat.Close()
		f.shm.Close()
		f.mt.Unmap()
		err = f.fd.Close()
	})
	return err
}

func (f *File) maybeGC() {
	if atomic.AddUint64(&f.writeCount, 1)%gcInterval == 0 {
		f.RunGC()
	}
}

// 跑一轮 GC。把池里的分配器全部捞出来独占，
// 让它们的 pin 和私有块对 GC 可见
func (f *File) RunGC() {
	f.amu.Lock()
	idle := f.allocPool
	f.allocPool = nil
	f.amu.Unlock()

	a := f.getAllocator()
	tail := f.bt.CatchUp(a, true, false)
	// 本进程的分配器全部同步 pin 到日志尾
	if tail.BlockIdx != 0 {
		a.PerThread().SetPinned(tail.BlockIdx)
		for _, ia := range idle {
			ia.PerThread().SetPinned(tail.BlockIdx)
		}
	}
	f.gc.Run(a, idle)

	f.amu.Lock()
	f.allocPool = append(f.allocPool, idle...)
	f.amu.Unlock()
	f.putAllocator(a)
}

// 调试计数快照
func (f *File) Info() core.Stats {
	return core.ReadStats()
}
