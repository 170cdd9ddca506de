//go:build linux

package connection

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tensorlink/common"
	"tensorlink/core/transport"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := NewTransport(1, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

// connPair 在环回地址上建一对互联的套接字连接
func connPair(t *testing.T, tr *Transport) (server, client transport.Connection) {
	return connPairAt(t, tr, "127.0.0.1:0")
}

func connPairAt(t *testing.T, tr *Transport, addr string) (server, client transport.Connection) {
	t.Helper()
	ln, err := tr.Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan transport.Connection, 1)
	ln.Accept(func(err error, conn transport.Connection) {
		require.NoError(t, err)
		accepted <- conn
	})

	client, err = tr.Connect(ln.Addr())
	require.NoError(t, err)

	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	return server, client
}

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

func TestSocketEcho(t *testing.T) {
	tr := newTestTransport(t)
	server, client := connPair(t, tr)

	readDone := make(chan error, 1)
	var got []byte
	server.Read(func(err error, buf []byte) {
		got = buf
		readDone <- err
	})

	writeDone := make(chan error, 1)
	client.Write([]byte("hello"), func(err error) { writeDone <- err })

	require.NoError(t, waitErr(t, writeDone))
	require.NoError(t, waitErr(t, readDone))
	assert.Equal(t, []byte{0x68, 0x65, 0x6c, 0x6c, 0x6f}, got)

	server.Close()
	client.Close()
	tr.Join()
}

// unix 域地址走同一套外部契约
func TestSocketUnixEcho(t *testing.T) {
	tr := newTestTransport(t)
	addr := fmt.Sprintf("unix:@tensorlink-sock-test-%d", os.Getpid())
	server, client := connPairAt(t, tr, addr)

	readDone := make(chan error, 1)
	var got []byte
	server.Read(func(err error, buf []byte) {
		got = buf
		readDone <- err
	})

	writeDone := make(chan error, 1)
	client.Write([]byte("hello"), func(err error) { writeDone <- err })

	require.NoError(t, waitErr(t, writeDone))
	require.NoError(t, waitErr(t, readDone))
	assert.Equal(t, []byte("hello"), got)

	server.Close()
	client.Close()
	tr.Join()
}

func TestSocketLargeMessageAndOrdering(t *testing.T) {
	tr := newTestTransport(t)
	server, client := connPair(t, tr)

	big := bytes.Repeat([]byte{0x42}, 1<<20)
	small := []byte("tail")

	type result struct {
		idx int
		buf []byte
		err error
	}
	reads := make(chan result, 2)
	server.Read(func(err error, buf []byte) { reads <- result{1, buf, err} })
	server.Read(func(err error, buf []byte) { reads <- result{2, buf, err} })

	writes := make(chan error, 2)
	client.Write(big, func(err error) { writes <- err })
	client.Write(small, func(err error) { writes <- err })

	require.NoError(t, waitErr(t, writes))
	require.NoError(t, waitErr(t, writes))

	r1, r2 := <-reads, <-reads
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, 1, r1.idx)
	assert.Equal(t, 2, r2.idx)
	assert.True(t, bytes.Equal(big, r1.buf))
	assert.Equal(t, small, r2.buf)

	server.Close()
	client.Close()
	tr.Join()
}

func TestSocketExplicitRead(t *testing.T) {
	tr := newTestTransport(t)
	server, client := connPair(t, tr)

	dst := make([]byte, 5)
	readDone := make(chan error, 1)
	server.ReadInto(dst, func(err error, buf []byte) { readDone <- err })

	writeDone := make(chan error, 1)
	client.Write([]byte("hello"), func(err error) { writeDone <- err })

	require.NoError(t, waitErr(t, writeDone))
	require.NoError(t, waitErr(t, readDone))
	assert.Equal(t, []byte("hello"), dst)

	server.Close()
	client.Close()
	tr.Join()
}

func TestSocketCloseAbortsPending(t *testing.T) {
	tr := newTestTransport(t)
	server, client := connPair(t, tr)

	pending := make(chan error, 1)
	client.Read(func(err error, buf []byte) { pending <- err })
	client.Close()

	err := waitErr(t, pending)
	assert.True(t, errors.Is(err, common.ErrConnectionClosed))

	// 关闭后的新提交立即以关闭类错误完成
	late := make(chan error, 1)
	client.Write([]byte("x"), func(err error) { late <- err })
	assert.True(t, errors.Is(waitErr(t, late), common.ErrConnectionClosed))

	// 对端观察到流结束
	peer := make(chan error, 1)
	server.Read(func(err error, buf []byte) { peer <- err })
	err = waitErr(t, peer)
	require.Error(t, err)

	server.Close()
	tr.Join()
}

// 事件循环终止时关闭所有存活句柄：挂着的回调以错误冲刷，Join 返回
func TestSocketJoinClosesLiveHandles(t *testing.T) {
	tr := newTestTransport(t)
	server, client := connPair(t, tr)
	_ = server

	pending := make(chan error, 1)
	client.Read(func(err error, buf []byte) { pending <- err })

	tr.Close()
	err := waitErr(t, pending)
	assert.True(t, errors.Is(err, common.ErrConnectionClosed))
	tr.Join()
}
