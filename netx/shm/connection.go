//go:build linux

package shm

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"tensorlink/common"
	"tensorlink/core/transport"
)

// 连接状态机
const (
	connInitializing = iota
	connReady
	connClosing
	connClosed
)

type writeOp struct {
	header [8]byte
	hsent  int
	buf    []byte
	sent   int
	cb     transport.WriteCallback
}

type readOp struct {
	explicit bool
	buf      []byte
	got      int
	hdr      [8]byte
	hgot     int
	cb       transport.ReadCallback
}

// Conn 是一对环形缓冲区上的可靠消息连接。每条逻辑消息是 8 字节小端
// 长度前缀加载荷；超过环容量的消息透明分块：写端写满就等空间通知，
// 读端累积到 L 字节才算一次读完成。消息边界保持：一次读完成交付整条
// 消息。
type Conn struct {
	loop *Loop
	live *common.Liveness
	log  zerolog.Logger

	state int
	err   error

	tx *Ring // 本端写
	rx *Ring // 本端读

	// 监听端握手用的 unix 域套接字，收完 fd 包后为 -1
	udsFd int

	wq []*writeOp
	rq []*readOp
}

var _ transport.Connection = (*Conn)(nil)

// newConn 构造已经完成握手的连接（拨号端）
func newConn(loop *Loop, tx, rx *Ring, log zerolog.Logger) *Conn {
	c := &Conn{
		loop:  loop,
		live:  common.NewLiveness(),
		log:   log,
		state: connReady,
		tx:    tx,
		rx:    rx,
		udsFd: -1,
	}
	loop.DeferToLoop(func() { c.registerFromLoop() })
	return c
}

// newPendingConn 构造等待对端 fd 包的连接（监听端）。
// 在循环里收完 fd 包后才进入 READY。
func newPendingConn(loop *Loop, udsFd int, log zerolog.Logger) *Conn {
	c := &Conn{
		loop:  loop,
		live:  common.NewLiveness(),
		log:   log,
		state: connInitializing,
		udsFd: udsFd,
	}
	loop.DeferToLoop(func() {
		if err := loop.Register(udsFd, unix.EPOLLIN, c.onHandshakeReadable, c.live); err != nil {
			c.failFromLoop(err)
		}
	})
	return c
}

func (c *Conn) registerFromLoop() {
	if c.state == connClosed {
		return
	}
	if err := c.loop.Register(c.rx.DataFd(), unix.EPOLLIN, c.onDataAvailable, c.live); err != nil {
		c.failFromLoop(err)
		return
	}
	if err := c.loop.Register(c.tx.SpaceFd(), unix.EPOLLIN, c.onSpaceAvailable, c.live); err != nil {
		c.failFromLoop(err)
		return
	}
	c.state = connReady
	c.processWritesFromLoop()
	c.processReadsFromLoop()
}

// onHandshakeReadable 收对端经 SCM_RIGHTS 传来的 fd 包并建环
func (c *Conn) onHandshakeReadable(events uint32) {
	tx, rx, err := receiveRings(c.udsFd)
	c.loop.Unregister(c.udsFd)
	unix.Close(c.udsFd)
	c.udsFd = -1
	if err != nil {
		c.failFromLoop(err)
		return
	}
	c.tx, c.rx = tx, rx
	c.registerFromLoop()
}

func (c *Conn) onDataAvailable(events uint32) {
	drainEventFd(c.rx.DataFd())
	c.processReadsFromLoop()
}

func (c *Conn) onSpaceAvailable(events uint32) {
	drainEventFd(c.tx.SpaceFd())
	c.processWritesFromLoop()
}

// Read 隐式分配读
func (c *Conn) Read(cb transport.ReadCallback) {
	c.loop.DeferToLoop(func() {
		if c.err != nil {
			cb(c.err, nil)
			return
		}
		c.rq = append(c.rq, &readOp{cb: cb})
		if c.state == connReady {
			c.processReadsFromLoop()
		}
	})
}

// ReadInto 显式目的读
func (c *Conn) ReadInto(buf []byte, cb transport.ReadCallback) {
	c.loop.DeferToLoop(func() {
		if c.err != nil {
			cb(c.err, nil)
			return
		}
		c.rq = append(c.rq, &readOp{explicit: true, buf: buf, cb: cb})
		if c.state == connReady {
			c.processReadsFromLoop()
		}
	})
}

// Write 写一条消息
func (c *Conn) Write(buf []byte, cb transport.WriteCallback) {
	c.loop.DeferToLoop(func() {
		if c.err != nil {
			cb(c.err)
			return
		}
		op := &writeOp{buf: buf, cb: cb}
		binary.LittleEndian.PutUint64(op.header[:], uint64(len(buf)))
		c.wq = append(c.wq, op)
		if c.state == connReady {
			c.processWritesFromLoop()
		}
	})
}

// Close 关闭连接。排队中的操作以 CONNECTION_CLOSED 失败，
// 对端随后观察到流结束。幂等。
func (c *Conn) Close() {
	c.loop.DeferToLoop(func() {
		c.failFromLoop(common.ErrConnectionClosed)
	})
}

// CloseFromLoop 在循环线程上直接关闭连接，不经 DeferToLoop
func (c *Conn) CloseFromLoop() {
	c.failFromLoop(common.ErrConnectionClosed)
}

// failFromLoop 锁存第一个错误并做清理；之后的错误被丢弃
func (c *Conn) failFromLoop(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	c.state = connClosing
	c.log.Debug().Err(err).Msg("shm connection collapsing")

	if c.udsFd >= 0 {
		c.loop.Unregister(c.udsFd)
		unix.Close(c.udsFd)
		c.udsFd = -1
	}
	if c.rx != nil {
		c.loop.Unregister(c.rx.DataFd())
		c.rx.Close()
	}
	if c.tx != nil {
		c.loop.Unregister(c.tx.SpaceFd())
		c.tx.Close()
	}

	// 冲刷排队的回调，每个恰好一次
	wq, rq := c.wq, c.rq
	c.wq, c.rq = nil, nil
	for _, op := range wq {
		op.cb(c.err)
	}
	for _, op := range rq {
		op.cb(c.err, nil)
	}

	if c.rx != nil {
		c.rx.Release()
		c.rx = nil
	}
	if c.tx != nil {
		c.tx.Release()
		c.tx = nil
	}
	c.state = connClosed
	c.live.Kill()
}

// processWritesFromLoop 推进队首写操作：先头部后载荷，环满就
// 等 space-available 再继续。操作完成按提交顺序触发回调。
func (c *Conn) processWritesFromLoop() {
	if c.err != nil {
		return
	}
	for len(c.wq) > 0 {
		if c.tx.Closed() {
			c.failFromLoop(common.ErrConnectionClosed)
			return
		}
		op := c.wq[0]
		for op.hsent < len(op.header) {
			n := c.tx.WriteSome(op.header[op.hsent:])
			if n == 0 {
				return
			}
			op.hsent += n
		}
		for op.sent < len(op.buf) {
			n := c.tx.WriteSome(op.buf[op.sent:])
			if n == 0 {
				return
			}
			op.sent += n
		}
		c.wq = c.wq[1:]
		op.cb(nil)
		if c.err != nil {
			return
		}
	}
}

// processReadsFromLoop 推进队首读操作：攒够 8 字节头部得到 L，
// 再攒 L 字节载荷，单次完成交付整条消息。
func (c *Conn) processReadsFromLoop() {
	if c.err != nil {
		return
	}
	for len(c.rq) > 0 {
		op := c.rq[0]
		for op.hgot < len(op.hdr) {
			n := c.rx.ReadSome(op.hdr[op.hgot:])
			if n == 0 {
				c.checkPeerGone()
				return
			}
			op.hgot += n
		}
		if op.buf == nil && !op.explicit {
			length := binary.LittleEndian.Uint64(op.hdr[:])
			op.buf = make([]byte, length)
		} else if op.got == 0 {
			length := binary.LittleEndian.Uint64(op.hdr[:])
			if length != uint64(len(op.buf)) {
				c.failFromLoop(common.NewProtocolViolation(fmt.Sprintf(
					"read destination holds %d bytes but incoming message has %d", len(op.buf), length)))
				return
			}
		}
		for op.got < len(op.buf) {
			n := c.rx.ReadSome(op.buf[op.got:])
			if n == 0 {
				c.checkPeerGone()
				return
			}
			op.got += n
		}
		c.rq = c.rq[1:]
		op.cb(nil, op.buf)
		if c.err != nil {
			return
		}
	}
}

// checkPeerGone 在环空时检查对端是否已关闭：是则观察到流结束
func (c *Conn) checkPeerGone() {
	if c.rx.Closed() && c.rx.Available() == 0 {
		c.failFromLoop(common.ErrEOF)
	}
}
