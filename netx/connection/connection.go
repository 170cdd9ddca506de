//go:build linux

package connection

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"tensorlink/common"
	"tensorlink/core/transport"
	"tensorlink/netx/poller"
)

const (
	connConnecting = iota
	connReady
	connClosed
)

type writeOp struct {
	frame []byte // 8 字节长度前缀 + 载荷
	sent  int
	cb    transport.WriteCallback
}

type readOp struct {
	explicit bool
	buf      []byte
	got      int
	hdr      [8]byte
	hgot     int
	cb       transport.ReadCallback
}

// Conn 是流式套接字上的可靠消息连接。帧格式与共享内存连接一致：
// 8 字节小端长度前缀加载荷。写队列串行化出站帧，部分写（EAGAIN）
// 重新装上可写观察者；读侧把字节攒进当前读请求。
// 所有状态变更都经由所属事件循环。
type Conn struct {
	loop *poller.EventLoop
	fd   int
	live *common.Liveness
	log  zerolog.Logger

	state  int
	err    error
	events uint32

	// detached 表示对端挂断且没有在途操作时已把 fd 摘出 epoll，
	// 避免挂断事件空转。之后的提交直接用系统调用推进：数据都已在
	// 内核缓冲区里，读排空后见流结束。
	detached bool

	wq []*writeOp
	rq []*readOp
}

var _ transport.Connection = (*Conn)(nil)
var _ poller.Handler = (*Conn)(nil)

// newConn 包装一个 fd。connecting 为 true 表示非阻塞 connect
// 还在进行，可写事件到来时收尾。
func newConn(loop *poller.EventLoop, fd int, connecting bool, log zerolog.Logger) *Conn {
	c := &Conn{
		loop: loop,
		fd:   fd,
		live: common.NewLiveness(),
		log:  log,
		state: func() int {
			if connecting {
				return connConnecting
			}
			return connReady
		}(),
	}
	loop.Defer(func() {
		events := uint32(0)
		if c.state == connConnecting {
			events = poller.EventOut
		}
		c.events = events
		if err := loop.Register(fd, events, c, c.live); err != nil {
			c.failFromLoop(err)
		}
	})
	return c
}

func (c *Conn) Read(cb transport.ReadCallback) {
	c.loop.Defer(func() {
		if c.err != nil {
			cb(c.err, nil)
			return
		}
		c.rq = append(c.rq, &readOp{cb: cb})
		c.processReadsFromLoop()
	})
}

func (c *Conn) ReadInto(buf []byte, cb transport.ReadCallback) {
	c.loop.Defer(func() {
		if c.err != nil {
			cb(c.err, nil)
			return
		}
		c.rq = append(c.rq, &readOp{explicit: true, buf: buf, cb: cb})
		c.processReadsFromLoop()
	})
}

func (c *Conn) Write(buf []byte, cb transport.WriteCallback) {
	c.loop.Defer(func() {
		if c.err != nil {
			cb(c.err)
			return
		}
		frame := make([]byte, 8+len(buf))
		binary.LittleEndian.PutUint64(frame, uint64(len(buf)))
		copy(frame[8:], buf)
		c.wq = append(c.wq, &writeOp{frame: frame, cb: cb})
		c.processWritesFromLoop()
	})
}

func (c *Conn) Close() {
	c.loop.Defer(func() {
		c.failFromLoop(common.ErrConnectionClosed)
	})
}

// CloseFromLoop 实现 poller.Handler，供循环终止时调用
func (c *Conn) CloseFromLoop() {
	c.failFromLoop(common.ErrConnectionClosed)
}

// HandleEvents 在循环线程上处理就绪事件
func (c *Conn) HandleEvents(events uint32) {
	if c.state == connClosed {
		return
	}
	if c.state == connConnecting {
		if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			c.failFromLoop(connectError(c.fd))
			return
		}
		if events&unix.EPOLLOUT != 0 {
			if soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR); err != nil {
				c.failFromLoop(common.NewSystemError("getsockopt", err))
				return
			} else if soErr != 0 {
				c.failFromLoop(common.NewSystemError("connect", unix.Errno(soErr)))
				return
			}
			c.state = connReady
			c.processWritesFromLoop()
			c.processReadsFromLoop()
		}
		return
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		c.processReadsFromLoop()
	}
	if c.state == connClosed {
		return
	}
	if events&unix.EPOLLOUT != 0 {
		c.processWritesFromLoop()
	}
	if c.state == connClosed {
		return
	}
	if events&unix.EPOLLERR != 0 {
		c.failFromLoop(socketError(c.fd))
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 && len(c.rq) == 0 && len(c.wq) == 0 && !c.detached {
		c.loop.Unregister(c.fd)
		c.detached = true
	}
}

func (c *Conn) processReadsFromLoop() {
	if c.err != nil || c.state != connReady {
		return
	}
	for len(c.rq) > 0 {
		op := c.rq[0]
		for op.hgot < len(op.hdr) {
			n, err := unix.Read(c.fd, op.hdr[op.hgot:])
			if !c.advance(&op.hgot, n, err) {
				return
			}
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
			n, err := unix.Read(c.fd, op.buf[op.got:])
			if !c.advance(&op.got, n, err) {
				return
			}
		}
		c.rq = c.rq[1:]
		op.cb(nil, op.buf)
		if c.err != nil {
			return
		}
	}
	c.updateInterestFromLoop()
}

// advance 把一次 read 的结果并进偏移。返回 false 表示应当停止
// （EAGAIN、出错或流结束）。
func (c *Conn) advance(off *int, n int, err error) bool {
	if err != nil {
		if err == unix.EINTR {
			return true
		}
		if err == unix.EAGAIN {
			c.updateInterestFromLoop()
			return false
		}
		c.failFromLoop(common.NewSystemError("read", err))
		return false
	}
	if n == 0 {
		c.failFromLoop(common.ErrEOF)
		return false
	}
	*off += n
	return true
}

func (c *Conn) processWritesFromLoop() {
	if c.err != nil || c.state != connReady {
		return
	}
	for len(c.wq) > 0 {
		op := c.wq[0]
		for op.sent < len(op.frame) {
			n, err := unix.Write(c.fd, op.frame[op.sent:])
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					c.updateInterestFromLoop()
					return
				}
				c.failFromLoop(common.NewSystemError("write", err))
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
	c.updateInterestFromLoop()
}

// updateInterestFromLoop 按队列状态调整关注的事件集合：
// 有读请求才关注可读，有积压写才关注可写。
func (c *Conn) updateInterestFromLoop() {
	if c.state != connReady || c.detached {
		return
	}
	events := uint32(0)
	if len(c.rq) > 0 {
		events |= poller.EventIn
	}
	if len(c.wq) > 0 {
		events |= poller.EventOut
	}
	if events == c.events {
		return
	}
	if err := c.loop.Mod(c.fd, events); err != nil {
		c.failFromLoop(err)
		return
	}
	c.events = events
}

func (c *Conn) failFromLoop(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	c.state = connClosed
	c.log.Debug().Err(err).Msg("socket connection collapsing")

	c.loop.Unregister(c.fd)
	unix.Close(c.fd)

	wq, rq := c.wq, c.rq
	c.wq, c.rq = nil, nil
	for _, op := range wq {
		op.cb(c.err)
	}
	for _, op := range rq {
		op.cb(c.err, nil)
	}
	c.live.Kill()
}

func connectError(fd int) error {
	if soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && soErr != 0 {
		return common.NewSystemError("connect", unix.Errno(soErr))
	}
	return common.NewSystemError("connect", unix.ECONNREFUSED)
}

func socketError(fd int) error {
	if soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && soErr != 0 {
		return common.NewSystemError("socket", unix.Errno(soErr))
	}
	return common.NewSystemError("socket", unix.EIO)
}
