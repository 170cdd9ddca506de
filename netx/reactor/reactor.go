package reactor

import (
	"runtime"
	"sync"

	"github.com/eapache/queue"
)

// Token 标识注册到 reactor 的一个闭包
type Token uint64

type item struct {
	tok Token
	fn  func()
	// kind: 0 触发 token，1 延迟闭包，2 移除 token
	kind int
}

// Reactor 把"发生了什么"（epoll 结果）和"该做什么"（用户回调）分开：
// 任意线程 Trigger 一个 token，对应闭包在 reactor 自己的线程上执行一次，
// epoll 线程永远不会阻塞在用户工作上。
type Reactor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	fns    map[Token]func()
	nextTk Token
	closed bool
	done   chan struct{}
}

func New() *Reactor {
	r := &Reactor{
		items: queue.New(),
		fns:   make(map[Token]func()),
		done:  make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.run()
	return r
}

// Add 注册一个闭包，返回触发它用的 token
func (r *Reactor) Add(fn func()) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTk++
	r.fns[r.nextTk] = fn
	return r.nextTk
}

// Trigger 排队一次 token 对应闭包的执行。任意线程可调用。
func (r *Reactor) Trigger(tok Token) {
	r.push(item{tok: tok, kind: 0})
}

// Remove 移除映射。已经排队的触发先冲刷完。
func (r *Reactor) Remove(tok Token) {
	r.push(item{tok: tok, kind: 2})
}

// DeferToLoop 把 fn 提交到 reactor 线程执行，与 Trigger 共用同一 FIFO。
func (r *Reactor) DeferToLoop(fn func()) {
	r.push(item{fn: fn, kind: 1})
}

func (r *Reactor) push(it item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.items.Add(it)
	r.cond.Signal()
}

// Close 停止接收新工作并唤醒线程；已排队的工作执行完后线程退出。
func (r *Reactor) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.cond.Broadcast()
	}
}

// Join 等待 reactor 线程退出
func (r *Reactor) Join() {
	r.Close()
	<-r.done
}

func (r *Reactor) run() {
	runtime.LockOSThread()
	defer close(r.done)
	for {
		r.mu.Lock()
		for r.items.Length() == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.items.Length() == 0 {
			r.mu.Unlock()
			return
		}
		it := r.items.Remove().(item)
		switch it.kind {
		case 0:
			fn := r.fns[it.tok]
			r.mu.Unlock()
			if fn != nil {
				fn()
			}
		case 1:
			r.mu.Unlock()
			it.fn()
		case 2:
			delete(r.fns, it.tok)
			r.mu.Unlock()
		}
	}
}
