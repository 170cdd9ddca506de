//go:build linux

package shm

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"tensorlink/common"
	"tensorlink/netx/reactor"
)

type fdHandler struct {
	fn   func(events uint32)
	live *common.Liveness
}

// Loop 是共享内存传输的事件引擎：一个线程阻塞在 epoll_wait，
// 把就绪集合交给 reactor 线程派发用户回调。两阶段会合：等待线程把
// epoll 结果写进共享向量并触发 reactor，然后在条件变量上等 reactor
// 派发完毕。这样 epoll 线程永远不会执行用户工作。
type Loop struct {
	epfd   int
	wakeFd int

	reactor  *reactor.Reactor
	epollTok reactor.Token

	// 会合状态
	rmu     sync.Mutex
	rcond   *sync.Cond
	pending []unix.EpollEvent

	handlersMu sync.Mutex
	handlers   map[int]fdHandler

	closed atomic.Bool
	joined sync.Once
	done   chan struct{}

	logger zerolog.Logger
}

func NewLoop(logger zerolog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, common.NewSystemError("epoll_create1", err)
	}
	wakeFd, err := NewEventFd()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	l := &Loop{
		epfd:     epfd,
		wakeFd:   wakeFd,
		reactor:  reactor.New(),
		handlers: make(map[int]fdHandler),
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "shm-loop").Logger(),
	}
	l.rcond = sync.NewCond(&l.rmu)
	l.epollTok = l.reactor.Add(l.handleEpollEvents)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, common.NewSystemError("epoll_ctl", err)
	}
	go l.run()
	return l, nil
}

// DeferToLoop 把 fn 提交到 reactor 线程执行
func (l *Loop) DeferToLoop(fn func()) {
	l.reactor.DeferToLoop(fn)
}

func (l *Loop) Reactor() *reactor.Reactor {
	return l.reactor
}

// Register 关联一个弱持有的 fd 处理器
func (l *Loop) Register(fd int, events uint32, fn func(events uint32), live *common.Liveness) error {
	l.handlersMu.Lock()
	l.handlers[fd] = fdHandler{fn: fn, live: live}
	l.handlersMu.Unlock()

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	if err == unix.EEXIST {
		err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil {
		l.handlersMu.Lock()
		delete(l.handlers, fd)
		l.handlersMu.Unlock()
		return common.NewSystemError("epoll_ctl", err)
	}
	return nil
}

// Unregister 注销 fd。幂等。计数降到零时唤醒等待线程，
// 让终止条件被重新检查。
func (l *Loop) Unregister(fd int) {
	l.handlersMu.Lock()
	_, ok := l.handlers[fd]
	delete(l.handlers, fd)
	remaining := len(l.handlers)
	l.handlersMu.Unlock()
	if ok {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	if remaining == 0 {
		l.wakeup()
	}
}

// Close 置终止标志并唤醒。循环在标志置位且外部处理器清零后退出。
func (l *Loop) Close() {
	if !l.closed.Swap(true) {
		l.wakeup()
	}
}

// Join 等待 epoll 线程与 reactor 线程退出
func (l *Loop) Join() {
	l.Close()
	l.joined.Do(func() {
		<-l.done
		l.reactor.Join()
		unix.Close(l.wakeFd)
		unix.Close(l.epfd)
	})
}

func (l *Loop) wakeup() {
	signalEventFd(l.wakeFd)
}

func (l *Loop) handlerCount() int {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	return len(l.handlers)
}

func (l *Loop) run() {
	runtime.LockOSThread()
	defer close(l.done)
	defer l.reactor.Remove(l.epollTok)

	events := make([]unix.EpollEvent, 64)
	for !l.closed.Load() || l.handlerCount() > 0 {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.logger.Error().Err(err).Msg("epoll_wait failed")
			return
		}

		// 把就绪集合交给 reactor，等它派发完
		l.rmu.Lock()
		l.pending = append(l.pending[:0], events[:n]...)
		l.reactor.Trigger(l.epollTok)
		for len(l.pending) > 0 {
			l.rcond.Wait()
		}
		l.rmu.Unlock()
	}
}

// handleEpollEvents 在 reactor 线程上派发一批 epoll 结果。
// 处理器升级为强引用只覆盖单次回调；回调中注销自己的处理器
// 在同批次后续事件里查不到表项。
func (l *Loop) handleEpollEvents() {
	l.rmu.Lock()
	defer l.rmu.Unlock()

	for _, ev := range l.pending {
		fd := int(ev.Fd)
		if fd == l.wakeFd {
			drainEventFd(l.wakeFd)
			continue
		}
		l.handlersMu.Lock()
		h, ok := l.handlers[fd]
		l.handlersMu.Unlock()
		if !ok || !h.live.Acquire() {
			continue
		}
		h.fn(ev.Events)
		h.live.Release()
	}

	l.pending = l.pending[:0]
	l.rcond.Signal()
}
