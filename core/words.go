package core

import "unsafe"

func u32Of(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func u64Of(b []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}
