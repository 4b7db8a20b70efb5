// 对syscall的封装
package mmap

import (
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/unix"
)

/*
MREMAP_MAYMOVE:

	By default, if there is not sufficient space to expand a mapping at its current location, then mremap() fails.
	If this flag is specified, then the kernel is permitted to relocate the mapping to a new virtual address, if necessary.

	mman.h: #define MREMAP_MAYMOVE		1
*/
const MREMAP_MAYMOVE = 0x1

// MAP_HUGE_2MB: 对应 mman-linux.h 中 21 << MAP_HUGE_SHIFT
const mapHuge2MB = 21 << 26

// 封装mmap，将文件从offset开始的size字节映射到用户态内存
//
//	void *mmap(void *addr, size_t length, int prot, int flags, int fd, off_t offset);
func mmap(fd *os.File, writable bool, offset int64, size int64, hugepage bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	flags := unix.MAP_SHARED
	if hugepage {
		flags |= unix.MAP_HUGETLB | mapHuge2MB
	}
	return unix.Mmap(int(fd.Fd()), offset, int(size), prot, flags)
}

// 封装mremap，重新将文件映射到一块用户态内存中，等同于 munmap + mmap
// void *mremap(void *old_address, size_t old_size,size_t new_size, int flags, ... /* void *new_address */);
func mremap(data []byte, size int) ([]byte, error) {
	header := (*reflect.SliceHeader)(unsafe.Pointer(&data))

	mmapAddr, _, err := unix.Syscall6(unix.SYS_MREMAP,
		header.Data,             // void *old_address
		uintptr(header.Len),     // size_t old_size
		uintptr(size),           // size_t new_size
		uintptr(MREMAP_MAYMOVE), // int flags
		0, 0,
	)
	if err != 0 {
		return nil, err
	}
	header.Data = mmapAddr
	header.Cap = size
	header.Len = size
	return data, nil
}

// 封装munmap，用于解除映射关系
// int munmap(void *addr, size_t length);
func munmap(data []byte) error {
	if len(data) == 0 || len(data) != cap(data) {
		return unix.EINVAL
	}
	_, _, err := unix.Syscall(unix.SYS_MUNMAP,
		uintptr((unsafe.Pointer(&data[0]))),
		uintptr((len(data))),
		0,
	)
	if err != 0 {
		return err
	}
	return nil
}

// 封装madvise，可以用于配合mmap做一个预读操作，避免性能抖动
// int madvise(void *addr, size_t length, int advice);
func madvise(buf []byte, readahead bool) error {
	flag := unix.MADV_NORMAL
	if !readahead {
		flag = unix.MADV_RANDOM
	}
	return unix.Madvise(buf, flag)
}

// 封装msync，将映射到内存中的数据直接写入到磁盘中
// int msync(void *addr, size_t length, int flags);
func msync(buf []byte) error {
	return unix.Msync(buf, unix.MS_SYNC)
}
