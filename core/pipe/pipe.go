package pipe

import (
	"fmt"

	"github.com/rs/zerolog"

	"tensorlink/common"
	"tensorlink/core/channel"
	"tensorlink/core/codec"
	"tensorlink/core/transport"
)

// Pipe 把一条控制连接和一个数据通道捆成面向用户的双向消息流。
// 建立时先做最小协商：双方各发一帧 Setup 交换通道名，不相等是
// 协议违例。之后每个出站张量：通道 send 产出描述符，pipe 把
// {长度, 描述符} 作为公告写上控制连接；入站方向读公告、按长度
// 分配缓冲区、驱动通道 recv。用户的 Read 调用与到来的公告用
// 可重装回调按 FIFO 配对。

// ReadCallback 交付一个完整张量
type ReadCallback func(err error, tensor []byte)

// WriteCallback 出站张量被对端取走后触发
type WriteCallback func(err error)

type readResult struct {
	err    error
	tensor []byte
}

type Pipe struct {
	loop common.SerialLoop
	live *common.Liveness
	log  zerolog.Logger

	conn    transport.Connection
	channel channel.Channel

	receiver *common.ClosingReceiver

	err      error
	readCbs  *common.RearmableCallback[readResult]
}

var _ common.Subject = (*Pipe)(nil)

// New 在已建立的控制连接和通道上构造 pipe。channelName 是本端
// 选用的通道名，建立时与对端交换确认。emitter 为 nil 时不参与
// 任何关闭级联。
func New(conn transport.Connection, channelName string, ch channel.Channel, emitter *common.ClosingEmitter, logger zerolog.Logger) *Pipe {
	p := &Pipe{
		live:    common.NewLiveness(),
		log:     logger.With().Str("component", "pipe").Logger(),
		conn:    conn,
		channel: ch,
		readCbs: common.NewRearmableCallback[readResult](),
	}
	if emitter != nil {
		p.receiver = common.NewClosingReceiver(emitter)
	}
	p.loop.Defer(func() {
		if p.receiver != nil {
			p.receiver.Activate(p.live, p.Close)
		}
		// 通道名交换：第一帧必须是 Setup，之后才进公告流
		p.conn.Write(codec.EncodeSetup(&codec.Setup{Channel: channelName}), common.LazyWrite(p, func() {}))
		p.conn.Read(common.LazyRead(p, func(buf []byte) {
			setup, err := codec.DecodeSetup(buf)
			if err != nil {
				p.SetError(err)
				p.HandleError()
				return
			}
			if setup.Channel != channelName {
				p.SetError(common.NewProtocolViolation(fmt.Sprintf(
					"peer negotiated channel %q, this end uses %q", setup.Channel, channelName)))
				p.HandleError()
				return
			}
			p.armAnnouncementFromLoop()
		}))
	})
	return p
}

func (p *Pipe) DeferToLoop(fn func()) { p.loop.Defer(fn) }

func (p *Pipe) Liveness() *common.Liveness { return p.live }

func (p *Pipe) Err() error { return p.err }

func (p *Pipe) SetError(err error) {
	if p.err == nil {
		p.err = err
	}
}

// HandleError 关通道和控制连接，再冲刷所有装填着的读回调
func (p *Pipe) HandleError() {
	p.log.Debug().Err(p.err).Msg("pipe collapsing")
	p.channel.Close()
	p.conn.Close()
	p.readCbs.TriggerAll(func() readResult {
		return readResult{err: p.err}
	})
	if p.receiver != nil {
		p.receiver.Deactivate()
	}
	p.live.Kill()
}

// Write 发送一个张量。回调在对端取走全部数据后触发。
func (p *Pipe) Write(tensor []byte, cb WriteCallback) {
	p.loop.Defer(func() {
		if p.err != nil {
			cb(p.err)
			return
		}
		p.channel.Send(tensor,
			func(err error, descriptor []byte) {
				// 描述符回调是同步的，仍在 pipe 循环上
				if err != nil {
					cb(err)
					return
				}
				msg := &codec.Message{Length: uint64(len(tensor)), Descriptor: descriptor}
				p.conn.Write(codec.EncodeMessage(msg), common.LazyWrite(p, func() {}))
			},
			func(err error) { cb(err) },
		)
	})
}

// Read 装填一个读回调，与到来的张量按 FIFO 配对
func (p *Pipe) Read(cb ReadCallback) {
	p.loop.Defer(func() {
		if p.err != nil {
			cb(p.err, nil)
			return
		}
		p.readCbs.Arm(func(r readResult) { cb(r.err, r.tensor) })
	})
}

func (p *Pipe) Close() {
	p.loop.Defer(func() {
		if p.err == nil {
			p.SetError(common.ErrPipeClosed)
			p.HandleError()
		}
	})
}

// armAnnouncementFromLoop 读下一条公告，驱动通道接收
func (p *Pipe) armAnnouncementFromLoop() {
	p.conn.Read(common.LazyRead(p, func(buf []byte) {
		msg, err := codec.DecodeMessage(buf)
		if err != nil {
			p.SetError(err)
			p.HandleError()
			return
		}
		tensor := make([]byte, msg.Length)
		p.channel.Recv(msg.Descriptor, tensor, common.EagerWrite(p, func() {
			if p.err != nil {
				p.readCbs.Trigger(readResult{err: p.err})
				return
			}
			p.readCbs.Trigger(readResult{tensor: tensor})
		}))
		p.armAnnouncementFromLoop()
	}))
}
