//go:build linux

package poller

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"tensorlink/common"
)

// 事件宏
const (
	EventIn  = uint32(unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLHUP)
	EventOut = uint32(unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLHUP)
)

// Handler 是注册到事件循环的 fd 处理器。回调只在循环线程上执行。
type Handler interface {
	// HandleEvents is invoked on the loop thread with the epoll event mask.
	HandleEvents(events uint32)
	// CloseFromLoop is invoked on the loop thread during termination.
	CloseFromLoop()
}

type handlerEntry struct {
	h    Handler
	live *common.Liveness
}

// EventLoop 拥有一个后台线程跑 epoll_wait，对外提供两件事：
// 把闭包提交到循环执行（Defer），以及 fd 注册。
// 处理器在注册表中是弱持有的：派发时先升级，对象已释放则跳过。
type EventLoop struct {
	epfd   int
	wakeFd int

	mu       sync.Mutex
	deferred []func()

	handlersMu sync.Mutex
	handlers   map[int]handlerEntry

	// closing 为 true 表示 Close 已经在循环里关闭了所有存活句柄，
	// 此后注册表一空、队列一空循环就自然退出。
	closing   atomic.Bool
	joinOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}

	logger zerolog.Logger
}

func NewEventLoop(logger zerolog.Logger) (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, common.NewSystemError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, common.NewSystemError("eventfd", err)
	}
	l := &EventLoop{
		epfd:     epfd,
		wakeFd:   wakeFd,
		handlers: make(map[int]handlerEntry),
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "poller").Logger(),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, common.NewSystemError("epoll_ctl", err)
	}
	go l.run()
	return l, nil
}

// Defer 把 fn 追加到循环的任务队列并唤醒循环。fn 执行前就返回。
// 同一线程的多次提交按提交顺序执行。
func (l *EventLoop) Defer(fn func()) {
	l.mu.Lock()
	l.deferred = append(l.deferred, fn)
	l.mu.Unlock()
	l.wakeup()
}

// Register 关联一个弱持有的处理器。必须在循环线程上调用。
func (l *EventLoop) Register(fd int, events uint32, h Handler, live *common.Liveness) error {
	l.handlersMu.Lock()
	l.handlers[fd] = handlerEntry{h: h, live: live}
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

// Mod 更新关注的事件集合
func (l *EventLoop) Mod(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return common.NewSystemError("epoll_ctl", err)
	}
	return nil
}

// Unregister 注销 fd。幂等；并唤醒循环让退出条件被重新检查。
func (l *EventLoop) Unregister(fd int) {
	l.handlersMu.Lock()
	_, ok := l.handlers[fd]
	delete(l.handlers, fd)
	l.handlersMu.Unlock()
	if ok {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	l.wakeup()
}

// Close 请求终止：在循环里关闭所有存活句柄并置 closing 标志，
// 此后循环自然退出。唤醒 eventfd 留在 epoll 里，由 Join 关闭。不等待。
func (l *EventLoop) Close() {
	l.joinOnce.Do(func() {
		l.Defer(func() {
			l.handlersMu.Lock()
			entries := make([]handlerEntry, 0, len(l.handlers))
			for _, e := range l.handlers {
				entries = append(entries, e)
			}
			l.handlersMu.Unlock()
			for _, e := range entries {
				if e.live.Acquire() {
					e.h.CloseFromLoop()
					e.live.Release()
				}
			}
			l.closing.Store(true)
		})
	})
}

// Join 请求终止并等待循环线程退出
func (l *EventLoop) Join() {
	l.Close()
	<-l.done
	l.closeOnce.Do(func() {
		unix.Close(l.wakeFd)
		unix.Close(l.epfd)
	})
}

func (l *EventLoop) wakeup() {
	var one = [8]byte{1}
	unix.Write(l.wakeFd, one[:])
}

func (l *EventLoop) run() {
	runtime.LockOSThread()
	defer close(l.done)

	events := make([]unix.EpollEvent, 128)
	for {
		l.drainDeferred()

		if l.closing.Load() && l.handlerCount() == 0 && l.deferredEmpty() {
			// 最后一轮非阻塞排水
			l.drainDeferred()
			return
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.logger.Error().Err(err).Msg("epoll_wait failed")
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFd {
				drainEventFd(l.wakeFd)
				continue
			}
			l.dispatch(fd, events[i].Events)
		}
	}
}

// dispatch 按 fd 查找处理器并升级为强引用，仅在本次回调期间持有。
// 处理器在自己的回调里注销后，同一批次后续事件查不到表项，自然跳过。
func (l *EventLoop) dispatch(fd int, events uint32) {
	l.handlersMu.Lock()
	e, ok := l.handlers[fd]
	l.handlersMu.Unlock()
	if !ok {
		return
	}
	if !e.live.Acquire() {
		return
	}
	e.h.HandleEvents(events)
	e.live.Release()
}

func (l *EventLoop) drainDeferred() {
	for {
		l.mu.Lock()
		if len(l.deferred) == 0 {
			l.mu.Unlock()
			return
		}
		fns := l.deferred
		l.deferred = nil
		l.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

func (l *EventLoop) handlerCount() int {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	return len(l.handlers)
}

func (l *EventLoop) deferredEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.deferred) == 0
}

func drainEventFd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}
