package inproc

import (
	"fmt"

	"tensorlink/common"
	"tensorlink/core/transport"
)

// inproc 提供同进程内的连接对：两个端点共享消息队列，不经过内核。
// 主要给同进程的 pipe/channel 端点和测试用，外部契约与其它连接一致：
// 同方向操作按提交顺序完成，每个回调恰好一次。

type readOp struct {
	explicit bool
	buf      []byte
	cb       transport.ReadCallback
}

// Conn 是连接对的一端。所有状态变更都经由本端的串行循环。
type Conn struct {
	loop common.SerialLoop
	peer *Conn

	err  error
	eof  bool // 对端已关闭：积压消息读完后以流结束收尾
	msgs [][]byte
	rq   []*readOp
}

var _ transport.Connection = (*Conn)(nil)

// NewPair 构造一对互联的端点
func NewPair() (*Conn, *Conn) {
	a := &Conn{}
	b := &Conn{}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *Conn) Read(cb transport.ReadCallback) {
	c.loop.Defer(func() {
		if c.err != nil {
			cb(c.err, nil)
			return
		}
		c.rq = append(c.rq, &readOp{cb: cb})
		c.pumpFromLoop()
	})
}

func (c *Conn) ReadInto(buf []byte, cb transport.ReadCallback) {
	c.loop.Defer(func() {
		if c.err != nil {
			cb(c.err, nil)
			return
		}
		c.rq = append(c.rq, &readOp{explicit: true, buf: buf, cb: cb})
		c.pumpFromLoop()
	})
}

func (c *Conn) Write(buf []byte, cb transport.WriteCallback) {
	c.loop.Defer(func() {
		if c.err != nil {
			cb(c.err)
			return
		}
		msg := append([]byte(nil), buf...)
		peer := c.peer
		peer.loop.Defer(func() {
			if peer.err != nil {
				return
			}
			peer.msgs = append(peer.msgs, msg)
			peer.pumpFromLoop()
		})
		cb(nil)
	})
}

// Close 两端都收尾：本端以 CONNECTION_CLOSED 冲刷，对端读完已到达的
// 消息后观察到流结束
func (c *Conn) Close() {
	c.loop.Defer(func() {
		c.failFromLoop(common.ErrConnectionClosed)
		peer := c.peer
		peer.loop.Defer(func() {
			peer.eof = true
			peer.pumpFromLoop()
		})
	})
}

func (c *Conn) failFromLoop(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	rq := c.rq
	c.rq = nil
	for _, op := range rq {
		op.cb(c.err, nil)
	}
}

// pumpFromLoop 把积压消息与读请求按 FIFO 配对
func (c *Conn) pumpFromLoop() {
	for len(c.rq) > 0 && len(c.msgs) > 0 {
		op := c.rq[0]
		msg := c.msgs[0]
		if op.explicit {
			if len(op.buf) != len(msg) {
				c.failFromLoop(common.NewProtocolViolation(fmt.Sprintf(
					"read destination holds %d bytes but incoming message has %d", len(op.buf), len(msg))))
				return
			}
			copy(op.buf, msg)
			msg = op.buf
		}
		c.rq = c.rq[1:]
		c.msgs = c.msgs[1:]
		op.cb(nil, msg)
		if c.err != nil {
			return
		}
	}
	if c.eof && len(c.msgs) == 0 {
		c.failFromLoop(common.ErrEOF)
	}
}
