package core

import (
	"runtime"
	"sync/atomic"
)

// OffsetMgr 用 ticket 协议维护共享文件偏移，保证顺序 read/write 的
// POSIX 偏移语义：每次调用 FAA 领号，按号入场计算自己的偏移。
// pread/pwrite 不经过这里
type OffsetMgr struct {
	next    uint64
	serving uint64
	offset  uint64
}

func NewOffsetMgr() *OffsetMgr {
	return &OffsetMgr{}
}

// 领号并计算本次操作的起始偏移。
// 写：偏移前进 count(文件逻辑长度由提交路径推进)。
// 读：stopAtBoundary 时在 EOF 截断，返回实际可读字节数
func (o *OffsetMgr) Acquire(count uint64, fileSize uint64, isWrite bool, stopAtBoundary bool) (ticket, offset, n uint64) {
	ticket = atomic.AddUint64(&o.next, 1) - 1
	for atomic.LoadUint64(&o.serving) != ticket {
		runtime.Gosched()
	}
	offset = o.offset
	n = count
	if !isWrite && stopAtBoundary {
		if offset >= fileSize {
			n = 0
		} else if offset+count > fileSize {
			n = fileSize - offset
		}
	}
	o.offset = offset + n
	return ticket, offset, n
}

// 追加写：偏移从当前 EOF 开始(O_APPEND)
func (o *OffsetMgr) AcquireAppend(count uint64, fileSize uint64) (ticket, offset uint64) {
	ticket = atomic.AddUint64(&o.next, 1) - 1
	for atomic.LoadUint64(&o.serving) != ticket {
		runtime.Gosched()
	}
	offset = o.offset
	if fileSize > offset {
		offset = fileSize
	}
	o.offset = offset + count
	return ticket, offset
}

// 放票，轮到下一位
func (o *OffsetMgr) Release(ticket uint64) {
	atomic.StoreUint64(&o.serving, ticket+1)
}

// lseek 系列：同样按票入场，避免和进行中的顺序读写交错
func (o *OffsetMgr) Seek(compute func(cur uint64) (uint64, bool)) (uint64, bool) {
	ticket := atomic.AddUint64(&o.next, 1) - 1
	for atomic.LoadUint64(&o.serving) != ticket {
		runtime.Gosched()
	}
	newOff, ok := compute(o.offset)
	if ok {
		o.offset = newOff
	}
	cur := o.offset
	atomic.StoreUint64(&o.serving, ticket+1)
	return cur, ok
}
