//go:build linux

package shm

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, capacity int) *Ring {
	t.Helper()
	r, err := createRing("tensorlink-ring-test", capacity)
	require.NoError(t, err)
	t.Cleanup(r.Release)
	return r
}

func TestRingWriteRead(t *testing.T) {
	r := newTestRing(t, 64)

	msg := []byte("hello")
	n := r.WriteSome(msg)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, uint64(len(msg)), r.Available())

	buf := make([]byte, 16)
	n = r.ReadSome(buf)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, msg, buf[:n])
	assert.Zero(t, r.Available())
}

func TestRingWrapAround(t *testing.T) {
	r := newTestRing(t, 16)

	// 推进序号到容量边缘，迫使下一条消息回绕
	pad := make([]byte, 12)
	require.Equal(t, 12, r.WriteSome(pad))
	require.Equal(t, 12, r.ReadSome(make([]byte, 12)))

	msg := []byte("abcdefgh")
	require.Equal(t, 8, r.WriteSome(msg))
	got := make([]byte, 8)
	require.Equal(t, 8, r.ReadSome(got))
	assert.Equal(t, msg, got)
}

func TestRingFullRejectsWrites(t *testing.T) {
	r := newTestRing(t, 16)
	require.Equal(t, 16, r.WriteSome(make([]byte, 32)))
	assert.Zero(t, r.WriteSome([]byte{1}), "full ring must not accept bytes")
	require.Equal(t, 16, r.ReadSome(make([]byte, 32)))
	assert.Equal(t, 1, r.WriteSome([]byte{1}))
}

// 单生产者单消费者在饱和状态下跑一百万字节：未消费的字节不会被
// 覆盖，序号差永远不超过容量。
func TestRingSPSCSaturation(t *testing.T) {
	r := newTestRing(t, 256)
	const total = 1 << 20

	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i * 31)
	}

	go func() {
		sent := 0
		for sent < total {
			n := r.WriteSome(src[sent:])
			if n == 0 {
				runtime.Gosched()
				continue
			}
			sent += n
		}
	}()

	dst := make([]byte, 0, total)
	buf := make([]byte, 177) // 故意不对齐容量
	for len(dst) < total {
		used := r.producer().Load() - r.consumer().Load()
		require.LessOrEqual(t, used, r.Capacity(), "P−C must never exceed capacity")
		n := r.ReadSome(buf)
		if n == 0 {
			runtime.Gosched()
			continue
		}
		dst = append(dst, buf[:n]...)
	}
	assert.True(t, bytes.Equal(src, dst), "consumer must observe exactly the produced bytes in order")
}

func TestRingCloseWakesBothSides(t *testing.T) {
	r := newTestRing(t, 16)
	assert.False(t, r.Closed())
	r.Close()
	assert.True(t, r.Closed())

	// 关闭只影响标志，残留数据仍可读
	r2 := newTestRing(t, 16)
	require.Equal(t, 3, r2.WriteSome([]byte{1, 2, 3}))
	r2.Close()
	got := make([]byte, 3)
	require.Equal(t, 3, r2.ReadSome(got))
	assert.Equal(t, []byte{1, 2, 3}, got)
}
