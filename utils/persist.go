package utils

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PM 持久化原语。用户态没有可移植的 clwb，这里用 msync 刷回映射页，
// 语义上等价于 flush 整个覆盖区间
func Persist(buf []byte) {
	if len(buf) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	// msync 要求页对齐，向下取整到页边界
	aligned := addr &^ uintptr(BlockSize-1)
	length := uintptr(len(buf)) + (addr - aligned)
	_, _, errno := unix.Syscall(unix.SYS_MSYNC, aligned, length, unix.MS_SYNC)
	// 非映射内存(普通堆上的块视图)msync 会报 ENOMEM，当作无事发生
	CondPanic(errno != 0 && errno != unix.ENOMEM, errno)
}

var fenceWord uint64

// store fence，保证之前的写入先于之后的写入可见
func Fence() {
	atomic.AddUint64(&fenceWord, 1)
}
