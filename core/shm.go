package core

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"upmfs/layout"
	"upmfs/utils"
	"upmfs/utils/mmap"
)

// PerThreadData 槽位状态
const (
	SlotUninit = uint32(iota)
	SlotInitializing
	SlotInitialized
)

// PerThreadData 是 shm 里一个 128B 槽位的视图。
// 原版用 robust mutex 表示线程存活；goroutine 不绑定 pthread，
// 这里按规格给出的退路改成 owner pid + 心跳时间戳：
//
//	0x00 state u32
//	0x04 pid u32
//	0x08 heartbeatNs u64 (最近一次心跳的 Unix 纳秒时间戳)
//	0x10 index u32
//	0x14 pinnedTxBlock u32
type PerThreadData struct {
	b []byte
}

func (p *PerThreadData) state() *uint32 {
	return u32Of(p.b, 0)
}

func (p *PerThreadData) State() uint32 {
	return atomic.LoadUint32(p.state())
}

func (p *PerThreadData) Pid() int {
	return int(atomic.LoadUint32(u32Of(p.b, 4)))
}

func (p *PerThreadData) Index() int {
	return int(atomic.LoadUint32(u32Of(p.b, 16)))
}

// 本线程可能还要读哪个 tx 块；GC 不得回收它以及之后的块
func (p *PerThreadData) Pinned() layout.LogicalBlockIdx {
	return layout.LogicalBlockIdx(atomic.LoadUint32(u32Of(p.b, 20)))
}

func (p *PerThreadData) SetPinned(lidx layout.LogicalBlockIdx) {
	atomic.StoreUint32(u32Of(p.b, 20), uint32(lidx))
}

func (p *PerThreadData) Beat() {
	atomic.StoreUint64(u64Of(p.b, 8), uint64(time.Now().UnixNano()))
}

// 同一时刻只允许一个线程调用(meta 锁下)
func (p *PerThreadData) TryInit(i int) bool {
	if !atomic.CompareAndSwapUint32(p.state(), SlotUninit, SlotInitializing) {
		return false
	}
	atomic.StoreUint32(u32Of(p.b, 4), uint32(os.Getpid()))
	atomic.StoreUint32(u32Of(p.b, 16), uint32(i))
	atomic.StoreUint32(u32Of(p.b, 20), 0)
	p.Beat()
	atomic.StoreUint32(p.state(), SlotInitialized)
	return true
}

func (p *PerThreadData) Reset() {
	utils.Logger.Debugf("PerThreadData %d reset by pid %d", p.Index(), os.Getpid())
	atomic.StoreUint32(u32Of(p.b, 4), 0)
	atomic.StoreUint32(u32Of(p.b, 20), 0)
	atomic.StoreUint32(p.state(), SlotUninit)
}

// 存活判定：state 必须是 Initialized；owner 进程不存在即判死。
// 本进程的槽位直接算活；其他进程的槽位再看心跳是否超过判死界限
// (进程还在但心跳停了同样算死)
func (p *PerThreadData) IsAlive() bool {
	if p.State() != SlotInitialized {
		return false
	}
	pid := p.Pid()
	if !utils.ProcessAlive(pid) {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	beat := int64(atomic.LoadUint64(u64Of(p.b, 8)))
	return time.Now().UnixNano()-beat < utils.HeartbeatStaleNs
}

// ShmMgr 管理跨进程共享内存：bitmap 镜像 + 每线程存活槽位
type ShmMgr struct {
	fd   *os.File
	data []byte
	path string
	meta *layout.Meta

	// 新建 shm 说明没有别的活跃进程，需要走恢复流程
	Created bool

	// 本进程持有的槽位，由心跳协程续命
	mu    sync.Mutex
	owned []*PerThreadData
}

// 打开(或原子地创建)文件对应的 shm 对象。
// shm 路径由 (inode, ctime_ns>>3) 合成，并记在文件的扩展属性里
func OpenShm(file *os.File, stat *unix.Stat_t, meta *layout.Meta) (*ShmMgr, error) {
	pathBuf := make([]byte, utils.ShmPathLen)
	var path string
	n, err := unix.Fgetxattr(int(file.Fd()), utils.ShmXattrName, pathBuf)
	if err == nil && n > 0 {
		path = string(pathBuf[:n])
	} else {
		ctimeNs := stat.Ctim.Sec*1e9 + stat.Ctim.Nsec
		path = fmt.Sprintf("%s/ulayfs_%016x_%013x", utils.ShmDir, stat.Ino, uint64(ctimeNs)>>3)
		// 文件系统不支持 xattr 也没关系，路径本身是确定性的
		if err := unix.Fsetxattr(int(file.Fd()), utils.ShmXattrName, []byte(path), 0); err != nil {
			utils.Logger.Debugf("fsetxattr(%s): %v", path, err)
		}
	}

	created := false
	shmFd, err := unix.Open(path, unix.O_RDWR|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0600)
	if err == unix.ENOENT {
		shmFd, created, err = createShm(path, stat)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open or create shm %s", path)
	}

	f := os.NewFile(uintptr(shmFd), path)
	data, err := mmap.Mmap(f, true, utils.ShmSize)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "mmap shared memory failed")
	}

	return &ShmMgr{
		fd:      f,
		data:    data,
		path:    path,
		meta:    meta,
		Created: created,
	}, nil
}

// 先在 /dev/shm 开一个匿名 tmpfile，权限调成和数据文件一致，
// 再用 linkat 发布，保证创建和设权的原子性
func createShm(path string, stat *unix.Stat_t) (int, bool, error) {
	shmFd, err := unix.Open(utils.ShmDir, unix.O_TMPFILE|unix.O_RDWR|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0600)
	if err != nil {
		return -1, false, errors.Wrap(err, "create the temporary file failed")
	}

	if err := unix.Fchmod(shmFd, stat.Mode&0777); err != nil {
		unix.Close(shmFd)
		return -1, false, errors.Wrap(err, "fchmod on shared memory failed")
	}
	if err := unix.Fchown(shmFd, int(stat.Uid), int(stat.Gid)); err != nil {
		utils.Logger.Debugf("fchown on shm: %v", err)
	}
	if err := unix.Fallocate(shmFd, 0, 0, utils.ShmSize); err != nil {
		unix.Close(shmFd)
		return -1, false, errors.Wrap(err, "fallocate on shared memory failed")
	}

	tmpPath := fmt.Sprintf("/proc/self/fd/%d", shmFd)
	err = unix.Linkat(unix.AT_FDCWD, tmpPath, unix.AT_FDCWD, path, unix.AT_SYMLINK_FOLLOW)
	if err != nil {
		// 别的进程抢先创建了，改为打开现成的
		unix.Close(shmFd)
		shmFd, err = unix.Open(path, unix.O_RDWR|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0600)
		if err != nil {
			return -1, false, errors.Wrapf(err, "cannot open or create shm %s", path)
		}
		return shmFd, false, nil
	}
	return shmFd, true, nil
}

// bitmap 镜像占 shm 开头 TotalNumBitmapBytes 字节
func (s *ShmMgr) BitmapWords() []uint64 {
	return layout.WordsOf(s.data[:utils.TotalNumBitmapBytes])
}

func (s *ShmMgr) PerThread(i int) *PerThreadData {
	utils.AssertTrue(i < utils.MaxNumThreads)
	off := utils.TotalNumBitmapBytes + i*utils.ShmPerThreadSize
	return &PerThreadData{b: s.data[off : off+utils.ShmPerThreadSize]}
}

// 在 meta 锁下找第一个空槽占住
func (s *ShmMgr) AllocPerThreadData() *PerThreadData {
	s.meta.Lock()
	defer s.meta.Unlock()
	for i := 0; i < utils.MaxNumThreads; i++ {
		ptd := s.PerThread(i)
		if ptd.TryInit(i) {
			s.mu.Lock()
			s.owned = append(s.owned, ptd)
			s.mu.Unlock()
			return ptd
		}
	}
	utils.Panic(errors.New("no empty per-thread data"))
	return nil
}

// 心跳协程体：周期性给本进程的所有槽位续命
func (s *ShmMgr) RunHeartbeat(closer *utils.Closer) {
	defer closer.Done()
	ticker := time.NewTicker(time.Duration(utils.HeartbeatIntervalNs))
	defer ticker.Stop()
	for {
		select {
		case <-closer.CloseSignal:
			return
		case <-ticker.C:
			s.mu.Lock()
			for _, ptd := range s.owned {
				ptd.Beat()
			}
			s.mu.Unlock()
		}
	}
}

// 释放本进程占用的槽位并解除映射；shm 对象本身留给其他进程
func (s *ShmMgr) Close() {
	s.mu.Lock()
	for _, ptd := range s.owned {
		ptd.Reset()
	}
	s.owned = nil
	s.mu.Unlock()
	_ = mmap.Munmap(s.data)
	_ = s.fd.Close()
}

func (s *ShmMgr) Path() string { return s.path }

// 删除 shm 对象本身
func (s *ShmMgr) Unlink() {
	if err := unix.Unlink(s.path); err != nil {
		utils.Logger.Warnf("could not unlink shm file %q: %v", s.path, err)
	}
}
