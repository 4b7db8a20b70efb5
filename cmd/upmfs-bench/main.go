// 追加/覆盖微基准。PMEM_PATH 指定工作目录，BENCH_NUM_ITER 指定迭代数；
// 结束后用 xxhash 校验一遍读回的内容
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"upmfs"
)

var (
	numThreads int
	numBytes   int
	overwrite  bool
)

func benchPath() string {
	dir := os.Getenv("PMEM_PATH")
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, "test.txt")
	fmt.Fprintf(os.Stderr, "================ filepath: %s ================\n", path)
	return path
}

func numIter() int {
	n := 10000
	if s := os.Getenv("BENCH_NUM_ITER"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			n = v
		}
	}
	fmt.Fprintf(os.Stderr, "================ num_iter: %d ================\n", n)
	return n
}

func run(cmd *cobra.Command, args []string) error {
	path := benchPath()
	_ = os.Remove(path)
	iters := numIter()

	fd, err := upmfs.Open(path, unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer func() {
		upmfs.Close(fd)
		os.Remove(path)
	}()

	buf := make([]byte, numBytes)
	for i := range buf {
		buf[i] = "0123456789ABCDEF"[i%16]
	}
	want := xxhash.Sum64(buf)

	start := time.Now()
	var wg sync.WaitGroup
	for t := 0; t < numThreads; t++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := make([]byte, numBytes)
			copy(b, buf)
			for i := 0; i < iters; i++ {
				var n int
				var err error
				if overwrite {
					n, err = upmfs.Pwrite(fd, b, 0)
				} else {
					n, err = upmfs.Write(fd, b)
				}
				if err != nil || n != numBytes {
					fmt.Fprintf(os.Stderr, "write: n=%d err=%v\n", n, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := int64(numThreads) * int64(iters) * int64(numBytes)
	fmt.Printf("mode=%s threads=%d size=%d iters=%d\n",
		map[bool]string{true: "overwrite", false: "append"}[overwrite],
		numThreads, numBytes, iters)
	fmt.Printf("%.2f MiB/s, %.0f ops/s\n",
		float64(total)/elapsed.Seconds()/(1<<20),
		float64(numThreads)*float64(iters)/elapsed.Seconds())

	// 校验：读回每一段,哈希必须和写入的一致
	rbuf := make([]byte, numBytes)
	checked := 0
	for off := int64(0); ; off += int64(numBytes) {
		n, err := upmfs.Pread(fd, rbuf, off)
		if err != nil {
			return err
		}
		if n < numBytes {
			break
		}
		if got := xxhash.Sum64(rbuf); got != want {
			return fmt.Errorf("verify failed at offset %d: %x != %x", off, got, want)
		}
		checked++
	}
	fmt.Printf("verified %d segments\n", checked)
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "upmfs-bench",
		Short: "append/overwrite micro-benchmark over the upmfs engine",
		RunE:  run,
	}
	root.Flags().IntVarP(&numThreads, "threads", "t", 1, "number of writer goroutines")
	root.Flags().IntVarP(&numBytes, "size", "s", 4096, "bytes per write")
	root.Flags().BoolVar(&overwrite, "overwrite", false, "pwrite at offset 0 instead of appending")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
