package utils

import "golang.org/x/sys/unix"

// kill(pid, 0) 探测进程是否存在。EPERM 说明进程在但无权限，同样算活着
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
