// 把引擎格式的文件导出成普通文件，让数据可以离开引擎
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"upmfs"
)

const chunkSize = 1 << 20

func convert(src, dst string) error {
	fd, err := upmfs.Open(src, unix.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer upmfs.Close(fd)

	f := upmfs.GetFile(fd)
	if f == nil {
		return fmt.Errorf("%s is not an upmfs file", src)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, chunkSize)
	var off int64
	for {
		n, err := f.Pread(buf, off)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
		off += int64(n)
	}
	_, err = io.WriteString(os.Stderr, fmt.Sprintf("converted %d bytes\n", off))
	return err
}

func main() {
	root := &cobra.Command{
		Use:   "upmfs-convert <src> <dst>",
		Short: "export an upmfs file into a plain file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return convert(args[0], args[1])
		},
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
