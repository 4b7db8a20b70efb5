package utils

import (
	"runtime"
	"sync/atomic"
)

// 自旋锁，保护 BlkTable 这类临界区极短的结构
type SpinLock struct {
	state uint32
}

func (l *SpinLock) Lock() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		runtime.Gosched()
	}
}

func (l *SpinLock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}
