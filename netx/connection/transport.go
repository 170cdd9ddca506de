//go:build linux

package connection

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"tensorlink/common"
	"tensorlink/core/transport"
	"tensorlink/netx/poller"
)

// Transport 是套接字传输的工厂。地址是 "host:port"（TCP）或
// `unix:<path>`（unix 域套接字，"@" 前缀为抽象命名空间）；
// 套接字跨机器可用，域描述符是常量。
type Transport struct {
	mgr    *poller.Manager
	logger zerolog.Logger
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport(numLoops int, logger zerolog.Logger) (*Transport, error) {
	mgr, err := poller.NewManager(numLoops, logger)
	if err != nil {
		return nil, err
	}
	return &Transport{
		mgr:    mgr,
		logger: logger.With().Str("transport", "socket").Logger(),
	}, nil
}

func (t *Transport) Name() string             { return "socket" }
func (t *Transport) DomainDescriptor() string { return "socket:any" }

// Connect 发起非阻塞连接，返回的连接在握手完成前排队提交的操作
func (t *Transport) Connect(addr string) (transport.Connection, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, common.NewSystemError("socket", err)
	}
	err = unix.Connect(fd, sa)
	connecting := false
	if err == unix.EINPROGRESS {
		connecting = true
	} else if err != nil {
		unix.Close(fd)
		return nil, common.NewSystemError("connect", err)
	}
	return newConn(t.mgr.Pick(), fd, connecting, t.logger), nil
}

// Listen 在 addr 上监听。端口 0 表示由内核分配，实际地址从 Addr() 取。
func (t *Transport) Listen(addr string) (transport.Listener, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, common.NewSystemError("socket", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, common.NewSystemError("bind", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, common.NewSystemError("listen", err)
	}
	boundAddr := addr
	if got, err := unix.Getsockname(fd); err == nil {
		boundAddr = formatSockaddr(got, addr)
	}
	return &listener{
		tr:   t,
		loop: t.mgr.Pick(),
		fd:   fd,
		addr: boundAddr,
		live: common.NewLiveness(),
	}, nil
}

// Close 请求所有事件循环终止；循环会在自己线程里关闭存活句柄
func (t *Transport) Close() {
	t.mgr.Close()
}

func (t *Transport) Join() {
	t.mgr.Join()
}

// listener 把接受回调排成队列，队列非空时才注册可读事件
type listener struct {
	tr   *Transport
	loop *poller.EventLoop
	fd   int
	addr string
	live *common.Liveness

	mu     sync.Mutex
	fns    []transport.AcceptCallback
	closed bool
}

var _ transport.Listener = (*listener)(nil)
var _ poller.Handler = (*listener)(nil)

func (l *listener) Accept(cb transport.AcceptCallback) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.loop.Defer(func() { cb(common.ErrListenerClosed, nil) })
		return
	}
	l.fns = append(l.fns, cb)
	armed := len(l.fns) == 1
	l.mu.Unlock()

	if armed {
		l.loop.Defer(func() {
			if err := l.loop.Register(l.fd, poller.EventIn, l, l.live); err != nil {
				l.flush(err)
			}
		})
	}
}

func (l *listener) Addr() string { return l.addr }

// HandleEvents 每次到来的连接消费一个接受回调；
// 回调耗尽时注销监听描述符。
func (l *listener) HandleEvents(events uint32) {
	l.mu.Lock()
	if len(l.fns) == 0 {
		l.mu.Unlock()
		return
	}
	fn := l.fns[0]
	l.fns = l.fns[1:]
	if len(l.fns) == 0 {
		l.loop.Unregister(l.fd)
	}
	l.mu.Unlock()

	connFd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		fn(common.NewSystemError("accept", err), nil)
		return
	}
	fn(nil, newConn(l.tr.mgr.Pick(), connFd, false, l.tr.logger))
}

// CloseFromLoop 实现 poller.Handler
func (l *listener) CloseFromLoop() {
	l.closeFromAnywhere()
}

func (l *listener) Close() {
	l.loop.Defer(l.closeFromAnywhere)
}

func (l *listener) closeFromAnywhere() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.loop.Unregister(l.fd)
	unix.Close(l.fd)
	// 文件系统上的 unix 套接字节点要摘掉，抽象命名空间不用
	if path, ok := strings.CutPrefix(l.addr, "unix:"); ok && !strings.HasPrefix(path, "@") {
		unix.Unlink(path)
	}
	l.live.Kill()
	l.flush(common.ErrListenerClosed)
}

func (l *listener) flush(err error) {
	l.mu.Lock()
	fns := l.fns
	l.fns = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn(err, nil)
	}
}

// resolveSockaddr 解析地址为内核 sockaddr：`unix:<path>` 走 unix 域
// 套接字（path 以 "@" 开头为抽象命名空间），其余按 "host:port" 走 TCP
func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		if path == "" {
			return nil, 0, common.NewProtocolViolation("empty unix socket path")
		}
		return &unix.SockaddrUnix{Name: path}, unix.AF_UNIX, nil
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, common.NewProtocolViolation(fmt.Sprintf("bad socket address %q: %v", addr, err))
	}
	ip := tcpAddr.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func formatSockaddr(sa unix.Sockaddr, fallback string) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(v.Addr[:]).String(), v.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(v.Addr[:]).String(), v.Port)
	case *unix.SockaddrUnix:
		return "unix:" + v.Name
	}
	return fallback
}
