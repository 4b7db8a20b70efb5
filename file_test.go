package upmfs

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"upmfs/core"
	"upmfs/layout"
)

func newTestFile(t *testing.T) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.dat")
	return openTestFile(t, path, unix.O_CREAT|unix.O_RDWR)
}

func openTestFile(t *testing.T, path string, flags int) *File {
	t.Helper()
	f, err := OpenFile(path, flags, 0600)
	require.NoError(t, err)
	shmPath := f.shm.Path()
	t.Cleanup(func() {
		_ = f.Close()
		_ = unix.Unlink(shmPath)
	})
	return f
}

func fill(n int, c byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return b
}

func countTxEntries(f *File) (entries []layout.TxEntry) {
	f.tm.Walk(func(c core.TxCursor, e layout.TxEntry) bool {
		if !e.IsDummy() {
			entries = append(entries, e)
		}
		return true
	})
	return entries
}

// S1: 整块对齐写
func TestAlignedWrite(t *testing.T) {
	f := newTestFile(t)

	buf := fill(4096, 'A')
	n, err := f.Pwrite(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	out := make([]byte, 4096)
	n, err = f.Pread(out, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, buf, out)

	entries := countTxEntries(f)
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsInline())
	assert.Equal(t, layout.VirtualBlockIdx(0), entries[0].BeginVidx())
	assert.Equal(t, uint32(1), entries[0].NumBlocks())
	assert.NotEqual(t, layout.LogicalBlockIdx(0), entries[0].BeginLidx())
}

// S2: 单块内覆盖走 COW，旧块变垃圾
func TestSingleBlockOverwrite(t *testing.T) {
	f := newTestFile(t)

	_, err := f.Pwrite(fill(4096, 'A'), 0)
	require.NoError(t, err)
	entries := countTxEntries(f)
	oldLidx := entries[0].BeginLidx()

	n, err := f.Pwrite(fill(10, 'B'), 100)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	out := make([]byte, 4096)
	_, err = f.Pread(out, 0)
	require.NoError(t, err)
	assert.Equal(t, fill(100, 'A'), out[:100])
	assert.Equal(t, fill(10, 'B'), out[100:110])
	assert.Equal(t, fill(3986, 'A'), out[110:])

	entries = countTxEntries(f)
	require.Len(t, entries, 2)
	require.True(t, entries[1].IsInline())
	assert.Equal(t, layout.VirtualBlockIdx(0), entries[1].BeginVidx())
	assert.NotEqual(t, oldLidx, entries[1].BeginLidx(), "overwrite must allocate a new block")

	assert.Equal(t, uint64(4096), f.Size())
}

// S3: 三个并发追加，偏移互不相同
func TestConcurrentAppend(t *testing.T) {
	f := newTestFile(t)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.Write([]byte("x"))
			assert.NoError(t, err)
			assert.Equal(t, 1, n)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(3), f.Size())
	out := make([]byte, 3)
	n, err := f.Pread(out, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("xxx"), out)
	assert.Len(t, countTxEntries(f), 3)
}

// S4: 跨块非对齐写
func TestMultiBlockUnaligned(t *testing.T) {
	f := newTestFile(t)

	buf := make([]byte, 8192)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	n, err := f.Pwrite(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
	assert.Equal(t, uint64(8292), f.Size())

	out := make([]byte, 8192)
	n, err = f.Pread(out, 100)
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
	assert.Equal(t, buf, out)

	head := make([]byte, 100)
	n, err = f.Pread(head, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, make([]byte, 100), head, "unwritten prefix reads as NULs")
}

// 写到非对齐的新 EOF：逻辑长度按字节算
func TestUnalignedExtend(t *testing.T) {
	f := newTestFile(t)

	n, err := f.Pwrite([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, uint64(5), f.Size())

	// 读在 EOF 截断
	out := make([]byte, 100)
	n, err = f.Pread(out, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), out[:5])
}

func TestReadYourWrites(t *testing.T) {
	f := newTestFile(t)

	for i := 0; i < 16; i++ {
		buf := fill(300, byte('a'+i))
		_, err := f.Pwrite(buf, int64(i)*300)
		require.NoError(t, err)

		out := make([]byte, 300)
		n, err := f.Pread(out, int64(i)*300)
		require.NoError(t, err)
		require.Equal(t, 300, n)
		require.Equal(t, buf, out)
	}
}

// 大于 64 块的事务拆成多个 run，走 indirect 提交
func TestLargeAlignedWrite(t *testing.T) {
	f := newTestFile(t)

	buf := make([]byte, 100*4096)
	for i := range buf {
		buf[i] = byte(i)
	}
	n, err := f.Pwrite(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	entries := countTxEntries(f)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].IsInline(), "100-block tx must go through the log")

	out := make([]byte, len(buf))
	_, err = f.Pread(out, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, out))
	assert.Equal(t, uint64(len(buf)), f.Size())
}

func TestSequentialReadWrite(t *testing.T) {
	f := newTestFile(t)

	_, err := f.Write(fill(1000, 'p'))
	require.NoError(t, err)
	_, err = f.Write(fill(1000, 'q'))
	require.NoError(t, err)

	// 顺序读从头开始
	_, err = f.Lseek(0, unix.SEEK_SET)
	require.NoError(t, err)

	out := make([]byte, 1500)
	n, err := f.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)
	assert.Equal(t, fill(1000, 'p'), out[:1000])
	assert.Equal(t, fill(500, 'q'), out[1000:])

	n, err = f.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 500, n, "read stops at EOF")
}

func TestLseek(t *testing.T) {
	f := newTestFile(t)
	_, err := f.Pwrite(fill(100, 'z'), 0)
	require.NoError(t, err)

	off, err := f.Lseek(10, unix.SEEK_SET)
	require.NoError(t, err)
	assert.Equal(t, int64(10), off)

	off, err = f.Lseek(5, unix.SEEK_CUR)
	require.NoError(t, err)
	assert.Equal(t, int64(15), off)

	off, err = f.Lseek(-20, unix.SEEK_END)
	require.NoError(t, err)
	assert.Equal(t, int64(80), off)

	_, err = f.Lseek(-1, unix.SEEK_SET)
	assert.Error(t, err)
}

func TestAppendMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append.dat")
	f := openTestFile(t, path, unix.O_CREAT|unix.O_RDWR|unix.O_APPEND)

	_, err := f.Write([]byte("one"))
	require.NoError(t, err)
	// O_APPEND 下 lseek 不影响写入位置
	_, err = f.Lseek(0, unix.SEEK_SET)
	require.NoError(t, err)
	_, err = f.Write([]byte("two"))
	require.NoError(t, err)

	out := make([]byte, 6)
	n, err := f.Pread(out, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte("onetwo"), out)
}

// 关闭重开：重放日志重建索引，数据和长度都要回来
func TestReopenRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.dat")

	f, err := OpenFile(path, unix.O_CREAT|unix.O_RDWR, 0600)
	require.NoError(t, err)
	shmPath := f.shm.Path()
	defer unix.Unlink(shmPath)

	want := make([]byte, 10000)
	for i := range want {
		want[i] = byte(i * 7)
	}
	_, err = f.Pwrite(want[:4096], 0)
	require.NoError(t, err)
	_, err = f.Pwrite(want[4096:], 4096)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2 := openTestFile(t, path, unix.O_RDWR)
	assert.Equal(t, uint64(10000), f2.Size())
	out := make([]byte, 10000)
	n, err := f2.Pread(out, 0)
	require.NoError(t, err)
	assert.Equal(t, 10000, n)
	assert.Equal(t, want, out)
}

// 属性 5：没有新提交时，catch-up 幂等
func TestIdempotentCatchUp(t *testing.T) {
	f := newTestFile(t)
	_, err := f.Pwrite(fill(5000, 'k'), 0)
	require.NoError(t, err)

	f.bt.CatchUp(nil, false, false)
	snap1, size1 := f.bt.Snapshot()
	f.bt.CatchUp(nil, false, false)
	snap2, size2 := f.bt.Snapshot()

	assert.Equal(t, snap1, snap2)
	assert.Equal(t, size1, size2)
}

// 属性 4：表里每个非零 lidx 都在 bitmap 里置位
func TestBitmapTableConsistency(t *testing.T) {
	f := newTestFile(t)
	_, err := f.Pwrite(fill(3*4096+123, 'm'), 50)
	require.NoError(t, err)

	f.bt.CatchUp(nil, false, false)
	snap, _ := f.bt.Snapshot()
	seen := false
	for _, lidx := range snap {
		if lidx != 0 {
			seen = true
			assert.True(t, f.bm.IsAllocated(lidx), "lidx %d mapped but not allocated", lidx)
		}
	}
	assert.True(t, seen)
}

func TestOpenNonExistentWithoutCreate(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "nope"), unix.O_RDWR, 0)
	assert.Error(t, err)
}

// 签名坏掉的既有文件要报 Corruption
func TestCorruptSignature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.dat")
	f := openTestFile(t, path, unix.O_CREAT|unix.O_RDWR)
	_, err := f.Pwrite(fill(4096, 'c'), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fp, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = fp.WriteAt([]byte{'X'}, 0)
	require.NoError(t, err)
	require.NoError(t, fp.Close())

	_, err = OpenFile(path, unix.O_RDWR, 0600)
	require.Error(t, err)
}
