package context

import (
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

func TestRegistryLookup(t *testing.T) {
	ctx := New(zerolog.Nop())
	factory := basic.NewFactory(zerolog.Nop())
	ctx.RegisterChannel("basic", factory)

	got, err := ctx.ChannelFactory("basic")
	require.NoError(t, err)
	assert.Equal(t, channel.Factory(factory), got)

	_, err = ctx.ChannelFactory("nope")
	require.Error(t, err)
	_, err = ctx.Transport("nope")
	require.Error(t, err)
}

// 关四个通道端点（两个在途发送、两个在途接收）：四个回调各恰好
// 一次，Join 返回。
func TestCloseCascade(t *testing.T) {
	ctx := New(zerolog.Nop())
	factory := basic.NewFactory(zerolog.Nop())
	ctx.RegisterChannel("basic", factory)

	// 在途发送：描述符产出了但从不投递给对端
	makePendingSend := func() chan error {
		connA, _ := inproc.NewPair()
		sender := factory.New(connA, channel.EndpointConnect)
		done := make(chan error, 1)
		sender.Send(make([]byte, 128),
			func(err error, descriptor []byte) { require.NoError(t, err) },
			func(err error) { done <- err },
		)
		return done
	}
	// 在途接收：请求写给了一个永远不应答的对端
	makePendingRecv := func() chan error {
		_, connB := inproc.NewPair()
		receiver := factory.New(connB, channel.EndpointListen)
		done := make(chan error, 1)
		receiver.Recv(mustDescriptor(7), make([]byte, 128), func(err error) { done <- err })
		return done
	}

	send1, recv1 := makePendingSend(), makePendingRecv()
	send2, recv2 := makePendingSend(), makePendingRecv()

	ctx.Close()

	for _, ch := range []chan error{send1, recv1, send2, recv2} {
		err := waitErr(t, ch)
		require.Error(t, err)
		assert.True(t, errors.Is(err, common.ErrChannelClosed), "got %v", err)
	}
	ctx.Join()
}

func TestCloseIdempotent(t *testing.T) {
	ctx := New(zerolog.Nop())
	ctx.Close()
	ctx.Close()
	ctx.Join()
	ctx.Join()
}

// mustDescriptor 捏造一个带指定操作号的描述符
func mustDescriptor(id uint64) []byte {
	// 与 codec.EncodeDescriptor 一致的最小编码：field 1 varint
	var buf []byte
	buf = append(buf, 0x08)
	for id >= 0x80 {
		buf = append(buf, byte(id)|0x80)
		id >>= 7
	}
	buf = append(buf, byte(id))
	return buf
}
