//go:build linux

package cma

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"tensorlink/common"
	"tensorlink/core/channel"
	"tensorlink/netx/inproc"
)

func waitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(1, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(f.Join)
	return f
}

func TestDomainDescriptorFormat(t *testing.T) {
	f := newTestFactory(t)
	// cma:<boot_id>/<euid>/<egid>
	pattern := fmt.Sprintf(`^cma:[0-9a-f-]+/%d/%d$`, unix.Geteuid(), unix.Getegid())
	assert.Regexp(t, regexp.MustCompile(pattern), f.DomainDescriptor())
}

func TestDomainDescriptorStable(t *testing.T) {
	f := newTestFactory(t)
	assert.Equal(t, f.DomainDescriptor(), f.DomainDescriptor())
}

// 同一进程读自己的内存：两端通道跑一次完整的发送/接收
func TestCmaRoundTripWithinProcess(t *testing.T) {
	f := newTestFactory(t)
	connA, connB := inproc.NewPair()
	sender := f.New(connA, channel.EndpointConnect)
	receiver := f.New(connB, channel.EndpointListen)

	src := bytes.Repeat([]byte{0x7e}, 4096)
	dst := make([]byte, 4096)

	sendDone := make(chan error, 1)
	descCh := make(chan []byte, 1)
	sender.Send(src,
		func(err error, descriptor []byte) {
			require.NoError(t, err)
			descCh <- descriptor
		},
		func(err error) { sendDone <- err },
	)

	recvDone := make(chan error, 1)
	receiver.Recv(<-descCh, dst, func(err error) { recvDone <- err })

	require.NoError(t, waitErr(t, recvDone))
	require.NoError(t, waitErr(t, sendDone))
	assert.True(t, bytes.Equal(src, dst))
}

// 长度超出对端映射：向量化读返回短计数，映射为 SHORT_READ
func TestCmaShortRead(t *testing.T) {
	f := newTestFactory(t)

	// 一页可读内存，紧跟一页 PROT_NONE，跨页读必然截断
	page := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, 2*page, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	defer unix.Munmap(mem)
	require.NoError(t, unix.Mprotect(mem[page:], unix.PROT_NONE))

	local := make([]byte, 2*page)
	done := make(chan error, 1)
	f.requestCopy(int32(unix.Getpid()), uint64(uintptr(unsafe.Pointer(&mem[0]))), local, func(err error) {
		done <- err
	})

	err = waitErr(t, done)
	require.Error(t, err)
	var te *common.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, common.ErrCodeShortRead, te.Code)
	assert.Contains(t, te.Message, fmt.Sprintf("%d", 2*page))
}

// 完全不可读的地址：系统错误带 errno
func TestCmaSystemError(t *testing.T) {
	f := newTestFactory(t)

	local := make([]byte, 64)
	done := make(chan error, 1)
	f.requestCopy(int32(unix.Getpid()), 0x10, local, func(err error) { done <- err })

	err := waitErr(t, done)
	require.Error(t, err)
	var te *common.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, common.ErrCodeSystem, te.Code)
}

// 多个拷贝工人：不同操作号之间没有顺序约束，并发工人也安全
func TestCmaMultipleWorkers(t *testing.T) {
	f, err := NewFactory(2, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(f.Join)

	src := bytes.Repeat([]byte{0x11}, 256)
	const n = 8
	done := make(chan error, n)
	dsts := make([][]byte, n)
	for i := 0; i < n; i++ {
		dsts[i] = make([]byte, len(src))
		f.requestCopy(int32(unix.Getpid()), uint64(uintptr(unsafe.Pointer(&src[0]))), dsts[i], func(err error) {
			done <- err
		})
	}
	for i := 0; i < n; i++ {
		require.NoError(t, waitErr(t, done))
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, src, dsts[i])
	}
}

func TestCmaQueueClosedAfterJoin(t *testing.T) {
	f, err := NewFactory(1, zerolog.Nop())
	require.NoError(t, err)
	f.Join()

	done := make(chan error, 1)
	f.requestCopy(int32(unix.Getpid()), 0, nil, func(err error) { done <- err })
	assert.True(t, errors.Is(waitErr(t, done), common.ErrChannelClosed))
}
