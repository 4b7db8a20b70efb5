package upmfs

import (
	stderrors "errors"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"upmfs/utils"
)

// fd → File 的进程级注册表。POSIX shim 把拦截到的调用按 fd 路由过来；
// 不归引擎管的 fd 原样透传给内核
var registry = struct {
	sync.RWMutex
	files map[int]*File
}{files: make(map[int]*File)}

func lookup(fd int) *File {
	registry.RLock()
	f := registry.files[fd]
	registry.RUnlock()
	return f
}

// 把引擎错误翻译成 errno；系统调用带回来的 errno 原样保留
func asErrno(err error) error {
	if err == nil {
		return nil
	}
	var eno unix.Errno
	if stderrors.As(err, &eno) {
		return eno
	}
	return utils.Errno(err)
}

// Open 打开(或创建)一个文件。PM 文件走引擎并登记；
// 其余文件回退为内核 open，后续操作全部透传
func Open(path string, flags int, mode uint32) (int, error) {
	f, err := OpenFile(path, flags, mode)
	if err == nil {
		fd := f.Fd()
		registry.Lock()
		registry.files[fd] = f
		registry.Unlock()
		return fd, nil
	}
	if errors.Cause(err) == utils.ErrNotOurFile {
		utils.Logger.Debugf("open %q: %v, falling back to syscall", path, err)
		return unix.Open(path, flags, mode)
	}
	return -1, asErrno(err)
}

func Write(fd int, buf []byte) (int, error) {
	if f := lookup(fd); f != nil {
		n, err := f.Write(buf)
		return n, asErrno(err)
	}
	return unix.Write(fd, buf)
}

func Read(fd int, buf []byte) (int, error) {
	if f := lookup(fd); f != nil {
		n, err := f.Read(buf)
		return n, asErrno(err)
	}
	return unix.Read(fd, buf)
}

func Pwrite(fd int, buf []byte, offset int64) (int, error) {
	if f := lookup(fd); f != nil {
		n, err := f.Pwrite(buf, offset)
		return n, asErrno(err)
	}
	return unix.Pwrite(fd, buf, offset)
}

func Pread(fd int, buf []byte, offset int64) (int, error) {
	if f := lookup(fd); f != nil {
		n, err := f.Pread(buf, offset)
		return n, asErrno(err)
	}
	return unix.Pread(fd, buf, offset)
}

func Lseek(fd int, offset int64, whence int) (int64, error) {
	if f := lookup(fd); f != nil {
		off, err := f.Lseek(offset, whence)
		return off, asErrno(err)
	}
	return unix.Seek(fd, offset, whence)
}

func Fsync(fd int) error {
	if f := lookup(fd); f != nil {
		return asErrno(f.Fsync())
	}
	return unix.Fsync(fd)
}

// Close 注销并关闭 fd。shm 对象和数据文件映射留给其他打开者
func Close(fd int) error {
	registry.Lock()
	f := registry.files[fd]
	delete(registry.files, fd)
	registry.Unlock()
	if f != nil {
		return asErrno(f.Close())
	}
	return unix.Close(fd)
}

// GetFile 给离线工具用：按 fd 拿到引擎对象
func GetFile(fd int) *File {
	return lookup(fd)
}

// Shutdown 关闭所有登记的文件，库卸载时调用
func Shutdown() {
	registry.Lock()
	files := registry.files
	registry.files = make(map[int]*File)
	registry.Unlock()
	for _, f := range files {
		_ = f.Close()
	}
}
