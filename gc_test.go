package upmfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 制造一条超过两个 tx 块的日志，GC 应该把旧链压缩掉，
// 且压缩后数据和逻辑长度原样
func TestGCCompactsLog(t *testing.T) {
	if testing.Short() {
		t.Skip("gc test writes a few thousand transactions")
	}
	f := newTestFile(t)

	// 同一个块反复覆盖：只有最后一次的数据块还活着
	const rounds = 1600
	for i := 0; i < rounds; i++ {
		_, err := f.Pwrite([]byte{byte(i), byte(i >> 8)}, 0)
		require.NoError(t, err)
	}

	before := len(countTxEntries(f))
	require.Equal(t, rounds, before)
	statsBefore := f.Info()

	f.RunGC()

	statsAfter := f.Info()
	assert.Greater(t, statsAfter.GCRecycled, statsBefore.GCRecycled,
		"stale data blocks must be recycled")

	after := len(countTxEntries(f))
	assert.Less(t, after, before, "log prefix must shrink")

	out := make([]byte, 2)
	n, err := f.Pread(out, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	last := rounds - 1
	assert.Equal(t, []byte{byte(last), byte(last >> 8)}, out)
	assert.Equal(t, uint64(2), f.Size())

	// GC 之后继续读写无碍
	_, err = f.Pwrite([]byte("post-gc"), 0)
	require.NoError(t, err)
	out = make([]byte, 7)
	_, err = f.Pread(out, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("post-gc"), out)
}
