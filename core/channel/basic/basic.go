package basic

import (
	"fmt"

	"github.com/rs/zerolog"

	"tensorlink/common"
	"tensorlink/core/channel"
	"tensorlink/core/codec"
	"tensorlink/core/transport"
)

// basic 通道把张量数据直接走控制连接：请求/应答按操作号配对。
// 发起端 send 登记缓冲区并产出描述符；对端 recv 解析描述符后写
// Request{id}；发起端收到后写 Reply{id} 紧跟载荷；对端收到 Reply
// 后从连接读 len 字节进目标缓冲区。操作号之间没有顺序约束，
// 同一个操作号内载荷紧跟应答头。

// Factory 生产 basic 通道。任意两个端点都兼容。
type Factory struct {
	emitter *common.ClosingEmitter
	logger  zerolog.Logger
}

var _ channel.Factory = (*Factory)(nil)

func NewFactory(logger zerolog.Logger) *Factory {
	return &Factory{
		emitter: common.NewClosingEmitter(),
		logger:  logger.With().Str("channel", "basic").Logger(),
	}
}

func (f *Factory) Name() string             { return "basic" }
func (f *Factory) DomainDescriptor() string { return "basic:any" }

func (f *Factory) New(conn transport.Connection, _ channel.Endpoint) channel.Channel {
	return newChannel(conn, f.emitter, f.logger)
}

// Close 级联关闭这个工厂产出的所有存活通道
func (f *Factory) Close() {
	f.emitter.Close()
}

// Join 没有后台线程，等价于 Close
func (f *Factory) Join() {
	f.Close()
}

type sendOp struct {
	id  uint64
	buf []byte
	cb  channel.SendCallback
}

type recvOp struct {
	id  uint64
	buf []byte
	cb  channel.RecvCallback
}

// Channel 是 basic 通道的一个端点
type Channel struct {
	loop common.SerialLoop
	live *common.Liveness
	conn transport.Connection
	log  zerolog.Logger

	receiver *common.ClosingReceiver

	err    error
	nextID uint64

	sendOps []*sendOp
	recvOps []*recvOp
}

var _ channel.Channel = (*Channel)(nil)
var _ common.Subject = (*Channel)(nil)

func newChannel(conn transport.Connection, emitter *common.ClosingEmitter, log zerolog.Logger) *Channel {
	ch := &Channel{
		live:     common.NewLiveness(),
		conn:     conn,
		log:      log,
		receiver: common.NewClosingReceiver(emitter),
	}
	ch.loop.Defer(func() {
		ch.receiver.Activate(ch.live, ch.Close)
		ch.armReadFromLoop()
	})
	return ch
}

// DeferToLoop 实现 common.Subject
func (ch *Channel) DeferToLoop(fn func()) { ch.loop.Defer(fn) }

func (ch *Channel) Liveness() *common.Liveness { return ch.live }

func (ch *Channel) Err() error { return ch.err }

func (ch *Channel) SetError(err error) {
	if ch.err == nil {
		ch.err = err
	}
}

// HandleError 先关连接（冲刷传输层的在途回调），再以锁存的错误
// 排空两张操作表，每个回调恰好一次。
func (ch *Channel) HandleError() {
	ch.log.Debug().Err(ch.err).Msg("basic channel collapsing")
	ch.conn.Close()

	sends, recvs := ch.sendOps, ch.recvOps
	ch.sendOps, ch.recvOps = nil, nil
	for _, op := range sends {
		op.cb(ch.err)
	}
	for _, op := range recvs {
		op.cb(ch.err)
	}
	ch.receiver.Deactivate()
	ch.live.Kill()
}

func (ch *Channel) Send(buf []byte, descriptorCb channel.DescriptorCallback, cb channel.SendCallback) {
	ch.loop.Defer(func() {
		if ch.err != nil {
			descriptorCb(ch.err, nil)
			cb(ch.err)
			return
		}
		id := ch.nextID
		ch.nextID++
		ch.sendOps = append(ch.sendOps, &sendOp{id: id, buf: buf, cb: cb})
		descriptorCb(nil, codec.EncodeDescriptor(&codec.Descriptor{OperationID: id}))
	})
}

func (ch *Channel) Recv(descriptor []byte, buf []byte, cb channel.RecvCallback) {
	ch.loop.Defer(func() {
		if ch.err != nil {
			cb(ch.err)
			return
		}
		desc, err := codec.DecodeDescriptor(descriptor)
		if err != nil {
			ch.SetError(err)
			ch.HandleError()
			return
		}
		ch.recvOps = append(ch.recvOps, &recvOp{id: desc.OperationID, buf: buf, cb: cb})

		// 现在有目标缓冲区了，要求对端开始发送
		pkt := &codec.Packet{Request: &codec.Request{OperationID: desc.OperationID}}
		codec.WritePacket(ch.conn, pkt, common.LazyWrite(ch, func() {}))
	})
}

func (ch *Channel) Close() {
	ch.loop.Defer(func() {
		if ch.err == nil {
			ch.SetError(common.ErrChannelClosed)
			ch.HandleError()
		}
	})
}

// armReadFromLoop 装填下一条控制包的读取
func (ch *Channel) armReadFromLoop() {
	ch.conn.Read(common.LazyRead(ch, func(buf []byte) {
		pkt, err := codec.DecodePacket(buf)
		if err != nil {
			ch.SetError(err)
			ch.HandleError()
			return
		}
		ch.onPacketFromLoop(pkt)
	}))
}

func (ch *Channel) onPacketFromLoop(pkt *codec.Packet) {
	switch {
	case pkt.Request != nil:
		ch.onRequestFromLoop(pkt.Request)
	case pkt.Reply != nil:
		ch.onReplyFromLoop(pkt.Reply)
	}
	if ch.err == nil {
		ch.armReadFromLoop()
	}
}

// onRequestFromLoop 对端有了目标缓冲区：宣告载荷并紧跟着写出去
func (ch *Channel) onRequestFromLoop(req *codec.Request) {
	id := req.OperationID
	op := ch.findSendOp(id)
	if op == nil {
		ch.SetError(common.NewProtocolViolation(fmt.Sprintf("request for unknown send operation %d", id)))
		ch.HandleError()
		return
	}

	pkt := &codec.Packet{Reply: &codec.Reply{OperationID: id}}
	codec.WritePacket(ch.conn, pkt, common.LazyWrite(ch, func() {}))

	ch.conn.Write(op.buf, common.EagerWrite(ch, func() {
		ch.sendCompletedFromLoop(id)
	}))
}

func (ch *Channel) onReplyFromLoop(rep *codec.Reply) {
	id := rep.OperationID
	op := ch.findRecvOp(id)
	if op == nil {
		ch.SetError(common.NewProtocolViolation(fmt.Sprintf("reply for unknown recv operation %d", id)))
		ch.HandleError()
		return
	}

	ch.conn.ReadInto(op.buf, common.EagerRead(ch, func(_ []byte) {
		ch.recvCompletedFromLoop(id)
	}))
}

// sendCompletedFromLoop 摘表后触发回调。错误态下表已排空，静默返回。
func (ch *Channel) sendCompletedFromLoop(id uint64) {
	for i, op := range ch.sendOps {
		if op.id == id {
			ch.sendOps = append(ch.sendOps[:i], ch.sendOps[i+1:]...)
			op.cb(ch.err)
			return
		}
	}
}

func (ch *Channel) recvCompletedFromLoop(id uint64) {
	for i, op := range ch.recvOps {
		if op.id == id {
			ch.recvOps = append(ch.recvOps[:i], ch.recvOps[i+1:]...)
			op.cb(ch.err)
			return
		}
	}
}

func (ch *Channel) findSendOp(id uint64) *sendOp {
	for _, op := range ch.sendOps {
		if op.id == id {
			return op
		}
	}
	return nil
}

func (ch *Channel) findRecvOp(id uint64) *recvOp {
	for _, op := range ch.recvOps {
		if op.id == id {
			return op
		}
	}
	return nil
}
