// 离线检查工具：打印引擎文件的 meta、事务日志和块表
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"upmfs"
)

func main() {
	root := &cobra.Command{
		Use:   "upmfs-inspect <file>",
		Short: "dump the persistent state of an upmfs file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fd, err := upmfs.Open(args[0], unix.O_RDWR, 0)
			if err != nil {
				return err
			}
			defer upmfs.Close(fd)

			f := upmfs.GetFile(fd)
			if f == nil {
				return fmt.Errorf("%s is not an upmfs file", args[0])
			}
			f.Dump(os.Stdout)
			return nil
		},
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
