package utils

import (
	"log"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// 引擎内部的错误种类，POSIX 入口负责翻译为 errno
var (
	// 文件不在 PM 文件系统上或没有合法签名，应回退到内核 syscall
	ErrNotOurFile = errors.New("not an upmfs file")
	// 已存在的文件签名损坏
	ErrCorruption = errors.New("signature mismatch")
	// bitmap 已满且文件无法继续增长
	ErrOutOfSpace = errors.New("out of space")
	// 对只读打开的文件执行写操作
	ErrBadFd = errors.New("bad file descriptor")
	// 参数非法(负 offset 等)
	ErrInvalid = errors.New("invalid argument")
)

func Panic(err error) {
	if err != nil {
		panic(err)
	}
}

func CondPanic(condition bool, err error) {
	if condition {
		Panic(err)
	}
}

func AssertTrue(b bool) {
	if !b {
		log.Fatalf("%+v", errors.Errorf("Assert failed"))
	}
}

func AssertTruef(b bool, format string, args ...interface{}) {
	if !b {
		log.Fatalf("%+v", errors.Errorf(format, args...))
	}
}

// 将错误种类翻译为 errno；未知错误按 EIO 处理
func Errno(err error) unix.Errno {
	switch errors.Cause(err) {
	case nil:
		return 0
	case ErrOutOfSpace:
		return unix.ENOSPC
	case ErrCorruption, ErrInvalid:
		return unix.EINVAL
	case ErrBadFd:
		return unix.EBADF
	default:
		return unix.EIO
	}
}
