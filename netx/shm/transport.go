//go:build linux

package shm

import (
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"tensorlink/common"
	"tensorlink/core/transport"
)

// Transport 是共享内存传输的工厂。地址是 unix 域套接字路径，
// 以 "@" 开头表示抽象命名空间；套接字只用于握手。
// 域描述符带 boot_id：共享内存只在同一台机器的同一次启动内可用。
type Transport struct {
	loop         *Loop
	ringCapacity int
	descriptor   string
	logger       zerolog.Logger
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport(ringCapacity int, logger zerolog.Logger) (*Transport, error) {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}
	bootID, err := common.GetBootID()
	if err != nil {
		return nil, err
	}
	loop, err := NewLoop(logger)
	if err != nil {
		return nil, err
	}
	return &Transport{
		loop:         loop,
		ringCapacity: ringCapacity,
		descriptor:   "shm:" + bootID,
		logger:       logger.With().Str("transport", "shm").Logger(),
	}, nil
}

func (t *Transport) Name() string             { return "shm" }
func (t *Transport) DomainDescriptor() string { return t.descriptor }

// Connect 建立到 addr 的连接：拨号、建环、传 fd，立即可用
func (t *Transport) Connect(addr string) (transport.Connection, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, common.NewSystemError("socket", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		unix.Close(fd)
		return nil, common.NewSystemError("connect", err)
	}
	tx, rx, err := createRingPair(t.ringCapacity)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := sendRings(fd, tx, rx); err != nil {
		tx.Release()
		rx.Release()
		unix.Close(fd)
		return nil, err
	}
	unix.Close(fd)
	return newConn(t.loop, tx, rx, t.logger), nil
}

// Listen 在 addr 上监听握手套接字
func (t *Transport) Listen(addr string) (transport.Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, common.NewSystemError("socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		unix.Close(fd)
		return nil, common.NewSystemError("bind", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, common.NewSystemError("listen", err)
	}
	return &listener{
		tr:   t,
		fd:   fd,
		addr: addr,
		live: common.NewLiveness(),
	}, nil
}

// Close 请求事件引擎终止。存活的连接由 context 的关闭级联先行关闭。
func (t *Transport) Close() {
	t.loop.Close()
}

func (t *Transport) Join() {
	t.loop.Join()
}

// listener 把接受回调排成队列，队列非空时才注册可读事件，
// 每个到来的连接消费一个回调。
type listener struct {
	tr   *Transport
	fd   int
	addr string
	live *common.Liveness

	mu     sync.Mutex
	fns    []transport.AcceptCallback
	closed bool
}

var _ transport.Listener = (*listener)(nil)

func (l *listener) Accept(cb transport.AcceptCallback) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.tr.loop.DeferToLoop(func() { cb(common.ErrListenerClosed, nil) })
		return
	}
	l.fns = append(l.fns, cb)
	armed := len(l.fns) == 1
	l.mu.Unlock()

	if armed {
		l.tr.loop.DeferToLoop(func() {
			if err := l.tr.loop.Register(l.fd, unix.EPOLLIN, l.handleEvents, l.live); err != nil {
				l.flush(err)
			}
		})
	}
}

func (l *listener) Addr() string { return l.addr }

func (l *listener) handleEvents(events uint32) {
	l.mu.Lock()
	if len(l.fns) == 0 {
		l.mu.Unlock()
		return
	}
	fn := l.fns[0]
	l.fns = l.fns[1:]
	if len(l.fns) == 0 {
		l.tr.loop.Unregister(l.fd)
	}
	l.mu.Unlock()

	connFd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		fn(common.NewSystemError("accept", err), nil)
		return
	}
	fn(nil, newPendingConn(l.tr.loop, connFd, l.tr.logger))
}

func (l *listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.tr.loop.DeferToLoop(func() {
		l.tr.loop.Unregister(l.fd)
		unix.Close(l.fd)
		l.live.Kill()
		l.flush(common.ErrListenerClosed)
	})
}

// flush 以错误冲刷所有排队的接受回调
func (l *listener) flush(err error) {
	l.mu.Lock()
	fns := l.fns
	l.fns = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn(err, nil)
	}
}
