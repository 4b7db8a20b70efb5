package upmfs

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"upmfs/core"
	"upmfs/layout"
	"upmfs/utils"
)

// 崩溃场景用真实子进程复现：helper 测试由父测试用 exec.Command
// 重新执行自己的测试二进制触发，环境变量不设则直接跳过

const crashPathEnv = "UPMFS_CRASH_PATH"

// 崩溃的那一半：数据块已分配并持久化，commit 字还没写，进程直接退出
func TestCrashS5Helper(t *testing.T) {
	path := os.Getenv(crashPathEnv)
	if path == "" {
		t.Skip("helper for TestCrashBeforeCommit")
	}
	f, err := OpenFile(path, unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		fmt.Printf("ERR open: %v\n", err)
		os.Exit(1)
	}
	// 崩溃前的已提交内容
	if _, err := f.Pwrite(fill(4096, 'A'), 0); err != nil {
		fmt.Printf("ERR pwrite: %v\n", err)
		os.Exit(1)
	}

	// 手工走到写事务的中途：新数据块落盘，但不追加 log、不提交
	a := f.getAllocator()
	lidx, err := a.Alloc(1)
	if err != nil {
		fmt.Printf("ERR alloc: %v\n", err)
		os.Exit(1)
	}
	dst := f.mt.Addr(lidx)
	copy(dst, fill(4096, 'B'))
	utils.Persist(dst)
	utils.Fence()

	fmt.Printf("ORPHAN %d\n", lidx)
	// 不走 Close：槽位不复位、映射不解除，等价于这里被 SIGKILL
	os.Exit(0)
}

// 崩在数据持久化之后、提交之前。重开后必须读到崩溃前的内容，
// 孤儿块在恢复重建的 bitmap 里必须是空闲的
func TestCrashBeforeCommit(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	path := filepath.Join(t.TempDir(), "s5.dat")

	cmd := exec.Command(os.Args[0], "-test.run=TestCrashS5Helper$")
	cmd.Env = append(os.Environ(), crashPathEnv+"="+path)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "helper output:\n%s", out)

	var orphan layout.LogicalBlockIdx
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "ORPHAN" {
			n, err := strconv.Atoi(fields[1])
			require.NoError(t, err)
			orphan = layout.LogicalBlockIdx(n)
		}
	}
	require.NotZero(t, orphan, "helper did not report the orphan block:\n%s", out)

	// 重开触发恢复重放
	f := openTestFile(t, path, unix.O_RDWR)
	assert.Equal(t, uint64(4096), f.Size())

	got := make([]byte, 4096)
	n, err := f.Pread(got, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, fill(4096, 'A'), got, "uncommitted write must be invisible")

	assert.False(t, f.bm.IsAllocated(orphan), "orphan block must come back free")

	// 已提交的数据块还在，位也还在
	f.bt.CatchUp(nil, false, false)
	snap, _ := f.bt.Snapshot()
	require.NotZero(t, snap[0])
	assert.True(t, f.bm.IsAllocated(snap[0]))
}

// 外进程那一半：attach 文件，pin 住当前日志尾块，然后等着被杀
func TestCrashS6Helper(t *testing.T) {
	path := os.Getenv(crashPathEnv)
	if path == "" {
		t.Skip("helper for TestCrashedPeerGC")
	}
	f, err := OpenFile(path, unix.O_RDWR, 0600)
	if err != nil {
		fmt.Printf("ERR open: %v\n", err)
		os.Exit(1)
	}
	a := f.getAllocator()
	tail := f.bt.CatchUp(a, false, false)
	if tail.BlockIdx == 0 {
		fmt.Println("ERR tail still inline")
		os.Exit(1)
	}
	ptd := a.PerThread()
	ptd.SetPinned(tail.BlockIdx)
	fmt.Printf("PINNED %d %d\n", ptd.Index(), tail.BlockIdx)
	// 挂住等 SIGKILL；心跳协程在这期间维持槽位存活
	time.Sleep(time.Minute)
}

// 进程 A pin 住 tx 块 L 后被 SIGKILL。A 活着时 GC 必须按兵不动；
// A 死后 GC 复位它的槽位，L 从链上回收
func TestCrashedPeerGC(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	path := filepath.Join(t.TempDir(), "s6.dat")
	f, err := OpenFile(path, unix.O_CREAT|unix.O_RDWR, 0600)
	require.NoError(t, err)
	shmPath := f.shm.Path()
	t.Cleanup(func() {
		_ = f.Close()
		_ = unix.Unlink(shmPath)
	})

	// 先把日志推进第一个 tx 块，让 helper 的 pin 落在链的前部
	for i := 0; i < 600; i++ {
		_, err := f.Pwrite([]byte{byte(i)}, 0)
		require.NoError(t, err)
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestCrashS6Helper$")
	cmd.Env = append(os.Environ(), crashPathEnv+"="+path)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	var slot int
	var pinned layout.LogicalBlockIdx
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 3 && fields[0] == "PINNED" {
			s, err1 := strconv.Atoi(fields[1])
			l, err2 := strconv.Atoi(fields[2])
			require.NoError(t, err1)
			require.NoError(t, err2)
			slot, pinned = s, layout.LogicalBlockIdx(l)
			break
		}
	}
	require.NotZero(t, pinned, "helper never reported its pin")

	// 链继续增长，helper 的 pin 就落到了尾块之前
	for i := 0; i < 1200; i++ {
		_, err := f.Pwrite([]byte{byte(i)}, 0)
		require.NoError(t, err)
	}

	// 活着的外进程挡住回收：日志原样，槽位原样
	before := len(countTxEntries(f))
	statsBefore := f.Info()
	f.RunGC()
	assert.Equal(t, before, len(countTxEntries(f)), "gc must not touch a live peer's pinned prefix")
	assert.Equal(t, statsBefore.GCRecycled, f.Info().GCRecycled)
	assert.Equal(t, core.SlotInitialized, f.shm.PerThread(slot).State())

	// SIGKILL 并收尸，pin 随之失效
	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	f.RunGC()
	assert.Equal(t, core.SlotUninit, f.shm.PerThread(slot).State(), "dead peer slot must be reset")
	assert.Less(t, len(countTxEntries(f)), before, "log prefix must shrink once the pin is gone")
	assert.Greater(t, f.Info().GCRecycled, statsBefore.GCRecycled)

	// L 不再出现在 tx 链上
	for cur, hops := f.meta.LogHead(), 0; cur != 0 && hops < 100; hops++ {
		assert.NotEqual(t, pinned, cur, "pinned block must be reclaimed")
		cur = layout.NewTxBlock(f.mt.Addr(cur)).Next()
	}

	// 之后读写照常
	_, err = f.Pwrite([]byte("post-s6"), 0)
	require.NoError(t, err)
	out := make([]byte, 7)
	_, err = f.Pread(out, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("post-s6"), out)
}
