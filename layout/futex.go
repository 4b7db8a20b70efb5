package layout

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"upmfs/utils"
)

// Meta 块第二条 cacheline 上的跨进程锁：32 位 futex word + 持有者 pid。
// 持有者崩溃后锁可被其他进程探测并夺取(robust 行为的用户态模拟)

// 等待重试周期，顺便给夺锁检查一个节奏
const futexWaitNs = 10 * 1000 * 1000

// linux/futex.h 操作码；golang.org/x/sys/unix 未导出这两个常量
const (
	FUTEX_WAIT = 0
	FUTEX_WAKE = 1
)

// int futex(uint32_t *uaddr, int futex_op, uint32_t val, const struct timespec *timeout, ...);
func futexWait(w *uint32, val uint32) {
	ts := unix.Timespec{Nsec: futexWaitNs}
	// 共享映射上的 futex，不能带 PRIVATE flag
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(w)),
		uintptr(FUTEX_WAIT),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
}

func futexWake(w *uint32, n int) {
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(w)),
		uintptr(FUTEX_WAKE),
		uintptr(n),
		0, 0, 0,
	)
}

func (m *Meta) Lock() {
	w := u32At(m.b, offLockWord)
	owner := u32At(m.b, offLockOwner)
	pid := uint32(os.Getpid())
	for {
		if atomic.CompareAndSwapUint32(w, 0, 1) {
			atomic.StoreUint32(owner, pid)
			return
		}
		// 持有者已死则直接接管：word 保持 1，换 owner 即可
		if o := atomic.LoadUint32(owner); o != 0 && o != pid && !utils.ProcessAlive(int(o)) {
			if atomic.CompareAndSwapUint32(owner, o, pid) {
				return
			}
		}
		futexWait(w, 1)
	}
}

func (m *Meta) Unlock() {
	atomic.StoreUint32(u32At(m.b, offLockOwner), 0)
	atomic.StoreUint32(u32At(m.b, offLockWord), 0)
	futexWake(u32At(m.b, offLockWord), 1)
}
