//go:build linux

package cma

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"tensorlink/common"
	"tensorlink/core/channel"
	"tensorlink/core/codec"
	"tensorlink/core/transport"
)

// cma 通道用 process_vm_readv 直接读对端进程的内存，控制连接只走
// 元数据。内核允许跨进程读内存的前提是 real/effective/saved 的
// uid、gid 都一致，域描述符把 boot_id、euid、egid 拼起来做廉价的
// 相等性闸门。
//
// 每个出站 send 的描述符带 {操作号, 进程号, 虚拟地址, 长度}；
// 对端把拷贝请求排给后台拷贝工人（config 的 cma.workers，默认单线程），
// 拷完写 Reply{id} 通知发送端。

type copyRequest struct {
	pid   int32
	addr  uint64
	local []byte
	cb    func(err error)
}

// Factory 生产 cma 通道，并拥有后台拷贝工人
type Factory struct {
	descriptor string
	emitter    *common.ClosingEmitter
	requests   *common.Queue[copyRequest]
	pool       *ants.Pool
	workers    sync.WaitGroup
	logger     zerolog.Logger
}

var _ channel.Factory = (*Factory)(nil)

// NewFactory 构造工厂。workers 是拷贝工人数（config 的 cma.workers，
// 默认 1 即单线程工人）；不同操作号之间没有顺序约束，多个工人是安全的。
func NewFactory(workers int, logger zerolog.Logger) (*Factory, error) {
	if workers < 1 {
		workers = 1
	}
	bootID, err := common.GetBootID()
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, common.NewSystemError("ants pool", err)
	}
	f := &Factory{
		descriptor: fmt.Sprintf("cma:%s/%d/%d", bootID, unix.Geteuid(), unix.Getegid()),
		emitter:    common.NewClosingEmitter(),
		requests:   common.NewQueue[copyRequest](),
		pool:       pool,
		logger:     logger.With().Str("channel", "cma").Logger(),
	}
	for i := 0; i < workers; i++ {
		f.workers.Add(1)
		if err := pool.Submit(f.handleCopyRequests); err != nil {
			f.workers.Done()
			f.requests.Close()
			f.workers.Wait()
			pool.Release()
			return nil, common.NewSystemError("submit worker", err)
		}
	}
	return f, nil
}

func (f *Factory) Name() string             { return "cma" }
func (f *Factory) DomainDescriptor() string { return f.descriptor }

// New 构造一个通道端点。cma 不需要打破对称性，端点角色被忽略。
func (f *Factory) New(conn transport.Connection, _ channel.Endpoint) channel.Channel {
	return newChannel(conn, f, f.logger)
}

func (f *Factory) Close() {
	f.emitter.Close()
	f.requests.Close()
}

func (f *Factory) Join() {
	f.Close()
	f.workers.Wait()
	f.pool.Release()
}

// requestCopy 把一次跨进程拷贝排给工人。任意线程可调用。
func (f *Factory) requestCopy(pid int32, addr uint64, local []byte, cb func(err error)) {
	if !f.requests.Push(copyRequest{pid: pid, addr: addr, local: local, cb: cb}) {
		cb(common.ErrChannelClosed)
	}
}

// handleCopyRequests 是后台工人：单 iovec 的向量化跨进程读，
// 结果映射为成功、带 errno 的系统错误或短读错误。
func (f *Factory) handleCopyRequests() {
	defer f.workers.Done()
	for {
		req, ok := f.requests.Pop()
		if !ok {
			return
		}
		if len(req.local) == 0 {
			req.cb(nil)
			continue
		}
		local := unix.Iovec{Base: &req.local[0]}
		local.SetLen(len(req.local))
		remote := unix.RemoteIovec{Base: uintptr(req.addr), Len: len(req.local)}
		n, err := unix.ProcessVMReadv(int(req.pid), []unix.Iovec{local}, []unix.RemoteIovec{remote}, 0)
		switch {
		case err != nil:
			req.cb(common.NewSystemError("process_vm_readv", err))
		case n != len(req.local):
			req.cb(common.NewShortReadError(len(req.local), n))
		default:
			req.cb(nil)
		}
	}
}

type sendOp struct {
	id  uint64
	buf []byte // 持有到对端拷完，保证内存不被回收
	cb  channel.SendCallback
}

type recvOp struct {
	id  uint64
	buf []byte
	cb  channel.RecvCallback
}

// Channel 是 cma 通道的一个端点
type Channel struct {
	loop    common.SerialLoop
	live    *common.Liveness
	conn    transport.Connection
	factory *Factory
	log     zerolog.Logger

	receiver *common.ClosingReceiver

	err    error
	nextID uint64

	sendOps []*sendOp
	recvOps []*recvOp
}

var _ channel.Channel = (*Channel)(nil)
var _ common.Subject = (*Channel)(nil)

func newChannel(conn transport.Connection, factory *Factory, log zerolog.Logger) *Channel {
	ch := &Channel{
		live:     common.NewLiveness(),
		conn:     conn,
		factory:  factory,
		log:      log,
		receiver: common.NewClosingReceiver(factory.emitter),
	}
	ch.loop.Defer(func() {
		ch.receiver.Activate(ch.live, ch.Close)
		ch.armReadFromLoop()
	})
	return ch
}

func (ch *Channel) DeferToLoop(fn func()) { ch.loop.Defer(fn) }

func (ch *Channel) Liveness() *common.Liveness { return ch.live }

func (ch *Channel) Err() error { return ch.err }

func (ch *Channel) SetError(err error) {
	if ch.err == nil {
		ch.err = err
	}
}

func (ch *Channel) HandleError() {
	ch.log.Debug().Err(ch.err).Msg("cma channel collapsing")
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

// Send 产出带 {id, pid, addr, len} 的描述符；对端拷完发 Reply 才算完成
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

		desc := &codec.Descriptor{
			OperationID: id,
			Pid:         int32(os.Getpid()),
			Length:      uint64(len(buf)),
		}
		if len(buf) > 0 {
			desc.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		}
		descriptorCb(nil, codec.EncodeDescriptor(desc))
	})
}

// Recv 把拷贝请求排给后台工人，拷完通知对端并触发完成回调
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
		if desc.Length != uint64(len(buf)) {
			ch.SetError(common.NewProtocolViolation(fmt.Sprintf(
				"recv buffer holds %d bytes but descriptor announces %d", len(buf), desc.Length)))
			ch.HandleError()
			return
		}
		id := desc.OperationID
		ch.recvOps = append(ch.recvOps, &recvOp{id: id, buf: buf, cb: cb})

		ch.factory.requestCopy(desc.Pid, desc.Addr, buf, common.EagerWrite(ch, func() {
			ch.copyCompletedFromLoop(id)
		}))
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

func (ch *Channel) armReadFromLoop() {
	ch.conn.Read(common.LazyRead(ch, func(buf []byte) {
		pkt, err := codec.DecodePacket(buf)
		if err != nil {
			ch.SetError(err)
			ch.HandleError()
			return
		}
		if pkt.Reply == nil {
			ch.SetError(common.NewProtocolViolation("cma control connection carried a non-reply packet"))
			ch.HandleError()
			return
		}
		ch.onReplyFromLoop(pkt.Reply)
		if ch.err == nil {
			ch.armReadFromLoop()
		}
	}))
}

// onReplyFromLoop 对端拷完了：发送操作完成
func (ch *Channel) onReplyFromLoop(rep *codec.Reply) {
	id := rep.OperationID
	for i, op := range ch.sendOps {
		if op.id == id {
			ch.sendOps = append(ch.sendOps[:i], ch.sendOps[i+1:]...)
			op.cb(ch.err)
			return
		}
	}
	if ch.err == nil {
		ch.SetError(common.NewProtocolViolation(fmt.Sprintf("reply for unknown send operation %d", id)))
		ch.HandleError()
	}
}

// copyCompletedFromLoop 本端拷贝结束：通知对端并触发接收回调
func (ch *Channel) copyCompletedFromLoop(id uint64) {
	for i, op := range ch.recvOps {
		if op.id == id {
			ch.recvOps = append(ch.recvOps[:i], ch.recvOps[i+1:]...)
			if ch.err == nil {
				pkt := &codec.Packet{Reply: &codec.Reply{OperationID: id}}
				codec.WritePacket(ch.conn, pkt, common.LazyWrite(ch, func() {}))
			}
			op.cb(ch.err)
			return
		}
	}
}
