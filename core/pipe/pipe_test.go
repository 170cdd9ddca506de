package pipe

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tensorlink/common"
	"tensorlink/core/channel"
	"tensorlink/core/channel/basic"
	"tensorlink/netx/inproc"
)

type result struct {
	err    error
	tensor []byte
}

func waitResult(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return result{}
	}
}

// pipePair 建一对互联的 pipe：控制线和通道控制线各一对 inproc 连接
func pipePair(t *testing.T) (a, b *Pipe) {
	t.Helper()
	factory := basic.NewFactory(zerolog.Nop())
	ctrlA, ctrlB := inproc.NewPair()
	chanA, chanB := inproc.NewPair()
	a = New(ctrlA, "basic", factory.New(chanA, channel.EndpointConnect), nil, zerolog.Nop())
	b = New(ctrlB, "basic", factory.New(chanB, channel.EndpointListen), nil, zerolog.Nop())
	return a, b
}

// 两端通道名不一致：协商失败，双方都以协议违例收尾
func TestPipeNegotiationMismatch(t *testing.T) {
	factory := basic.NewFactory(zerolog.Nop())
	ctrlA, ctrlB := inproc.NewPair()
	chanA, chanB := inproc.NewPair()
	a := New(ctrlA, "basic", factory.New(chanA, channel.EndpointConnect), nil, zerolog.Nop())
	b := New(ctrlB, "cma", factory.New(chanB, channel.EndpointListen), nil, zerolog.Nop())

	aErr := make(chan result, 1)
	a.Read(func(err error, tensor []byte) { aErr <- result{err: err} })
	bErr := make(chan result, 1)
	b.Read(func(err error, tensor []byte) { bErr <- result{err: err} })

	for _, ch := range []chan result{aErr, bErr} {
		r := waitResult(t, ch)
		require.Error(t, r.err)
		var te *common.Error
		require.True(t, errors.As(r.err, &te))
		assert.Equal(t, common.ErrCodeProtocolViolation, te.Code)
	}
}

func TestPipeRoundTrip(t *testing.T) {
	a, b := pipePair(t)

	src := bytes.Repeat([]byte{0x33}, 2048)
	writeDone := make(chan result, 1)
	a.Write(src, func(err error) { writeDone <- result{err: err} })

	readDone := make(chan result, 1)
	b.Read(func(err error, tensor []byte) { readDone <- result{err, tensor} })

	r := waitResult(t, readDone)
	require.NoError(t, r.err)
	assert.True(t, bytes.Equal(src, r.tensor))
	require.NoError(t, waitResult(t, writeDone).err)
}

func TestPipeBidirectional(t *testing.T) {
	a, b := pipePair(t)

	fromA := []byte("from-a")
	fromB := []byte("from-b")

	aw := make(chan result, 1)
	bw := make(chan result, 1)
	ar := make(chan result, 1)
	br := make(chan result, 1)
	a.Write(fromA, func(err error) { aw <- result{err: err} })
	b.Write(fromB, func(err error) { bw <- result{err: err} })
	a.Read(func(err error, tensor []byte) { ar <- result{err, tensor} })
	b.Read(func(err error, tensor []byte) { br <- result{err, tensor} })

	assert.Equal(t, fromB, waitResult(t, ar).tensor)
	assert.Equal(t, fromA, waitResult(t, br).tensor)
	require.NoError(t, waitResult(t, aw).err)
	require.NoError(t, waitResult(t, bw).err)
}

func TestPipeReadsPairFIFO(t *testing.T) {
	a, b := pipePair(t)

	for i := 0; i < 3; i++ {
		done := make(chan result, 1)
		a.Write([]byte{byte(i)}, func(err error) { done <- result{err: err} })
		require.NoError(t, waitResult(t, done).err)
	}

	// 三个张量先于任何 Read 到达：装填的回调按 FIFO 消费积压
	got := make(chan result, 3)
	for i := 0; i < 3; i++ {
		b.Read(func(err error, tensor []byte) { got <- result{err, tensor} })
	}
	for i := 0; i < 3; i++ {
		r := waitResult(t, got)
		require.NoError(t, r.err)
		assert.Equal(t, []byte{byte(i)}, r.tensor)
	}
}

func TestPipeCloseFlushesArmedReads(t *testing.T) {
	a, _ := pipePair(t)

	pending := make(chan result, 1)
	a.Read(func(err error, tensor []byte) { pending <- result{err, tensor} })
	a.Close()

	r := waitResult(t, pending)
	require.Error(t, r.err)
	assert.True(t, errors.Is(r.err, common.ErrPipeClosed))

	// 关闭后的新提交立即失败
	late := make(chan result, 1)
	a.Write([]byte("x"), func(err error) { late <- result{err: err} })
	assert.True(t, errors.Is(waitResult(t, late).err, common.ErrPipeClosed))
}
