package common

import (
	"sort"
	"sync"

	"github.com/eapache/queue"
)

// Subject 是回调包装器作用的对象：有自己的串行循环、错误锁存和清理动作。
// pipe、channel、connection 都实现这个接口。
type Subject interface {
	// DeferToLoop schedules fn on the subject's serializing loop.
	DeferToLoop(fn func())
	// Liveness reports whether the subject has been released.
	Liveness() *Liveness
	// Err returns the latched error, nil if none.
	Err() error
	// SetError latches the first error. Later calls are ignored.
	SetError(err error)
	// HandleError performs the subject's cleanup after the first error
	// is latched. Called exactly once, on the loop.
	HandleError()
}

// LazyWrite wraps a continuation for an infrastructure write (protocol
// packets). An error collapses the subject and never reaches fn.
func LazyWrite(s Subject, fn func()) func(error) {
	return RunIfAlive1(s.Liveness(), func(err error) {
		s.DeferToLoop(func() {
			if processError(s, err) {
				return
			}
			fn()
		})
	})
}

// LazyRead is LazyWrite for read completions carrying a payload.
func LazyRead(s Subject, fn func(buf []byte)) func(error, []byte) {
	wrapped := RunIfAlive1(s.Liveness(), func(a readArgs) {
		s.DeferToLoop(func() {
			if processError(s, a.err) {
				return
			}
			fn(a.buf)
		})
	})
	return func(err error, buf []byte) { wrapped(readArgs{err, buf}) }
}

type readArgs struct {
	err error
	buf []byte
}

// EagerWrite wraps a continuation for an operation that acquired a user
// resource. The continuation always runs so the resource can be released;
// the error is observable through the subject's latched state.
func EagerWrite(s Subject, fn func()) func(error) {
	return func(err error) {
		s.DeferToLoop(func() {
			latchError(s, err)
			fn()
		})
	}
}

// EagerRead is EagerWrite for read completions.
func EagerRead(s Subject, fn func(buf []byte)) func(error, []byte) {
	return func(err error, buf []byte) {
		s.DeferToLoop(func() {
			latchError(s, err)
			fn(buf)
		})
	}
}

// processError 返回 true 表示回调应当丢弃：对象已经在错误态，或 err 刚刚把它带入错误态。
func processError(s Subject, err error) bool {
	if s.Err() != nil {
		return true
	}
	if err == nil {
		return false
	}
	s.SetError(err)
	s.HandleError()
	return true
}

func latchError(s Subject, err error) {
	if s.Err() != nil || err == nil {
		return
	}
	s.SetError(err)
	s.HandleError()
}

// SerialLoop 把任意线程提交的闭包串行化执行。第一个提交者成为排水者，
// 把队列执行到空为止；其间其它线程的提交只入队即返回。
// 单个线程的提交按提交顺序执行。
type SerialLoop struct {
	mu       sync.Mutex
	tasks    *queue.Queue
	draining bool
}

func (l *SerialLoop) Defer(fn func()) {
	l.mu.Lock()
	if l.tasks == nil {
		l.tasks = queue.New()
	}
	l.tasks.Add(fn)
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	l.mu.Unlock()

	for {
		l.mu.Lock()
		if l.tasks.Length() == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		task := l.tasks.Remove().(func())
		l.mu.Unlock()
		task()
	}
}

// RearmableCallback 是"烧断式"回调槽：fn 和参数两路 FIFO 配对，
// 任一时刻最多只有一路非空。
type RearmableCallback[T any] struct {
	mu   sync.Mutex
	fns  *queue.Queue
	args *queue.Queue
}

func NewRearmableCallback[T any]() *RearmableCallback[T] {
	return &RearmableCallback[T]{fns: queue.New(), args: queue.New()}
}

// Arm 装填一个回调：有积压参数就立即消费一组，否则排队等 Trigger。
func (c *RearmableCallback[T]) Arm(fn func(T)) {
	c.mu.Lock()
	if c.args.Length() > 0 {
		v := c.args.Remove().(T)
		c.mu.Unlock()
		fn(v)
		return
	}
	c.fns.Add(fn)
	c.mu.Unlock()
}

// Trigger 投递一组参数：有装填的回调就立即执行，否则暂存。
func (c *RearmableCallback[T]) Trigger(v T) {
	c.mu.Lock()
	if c.fns.Length() > 0 {
		fn := c.fns.Remove().(func(T))
		c.mu.Unlock()
		fn(v)
		return
	}
	c.args.Add(v)
	c.mu.Unlock()
}

// TriggerAll flushes every armed callback, feeding each from gen. Used when
// an error condition means no further triggers will arrive but the armed
// callbacks still must be honored.
func (c *RearmableCallback[T]) TriggerAll(gen func() T) {
	for {
		c.mu.Lock()
		if c.fns.Length() == 0 {
			c.mu.Unlock()
			return
		}
		fn := c.fns.Remove().(func(T))
		c.mu.Unlock()
		fn(gen())
	}
}

// ClosingEmitter 安装在关闭时需要级联关闭其它对象的对象上（context）。
// 与 ClosingReceiver 配套使用。
type ClosingEmitter struct {
	mu        sync.Mutex
	nextToken uint64
	receivers map[uint64]func()
}

func NewClosingEmitter() *ClosingEmitter {
	return &ClosingEmitter{receivers: make(map[uint64]func())}
}

func (e *ClosingEmitter) Subscribe(fn func()) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextToken++
	e.receivers[e.nextToken] = fn
	return e.nextToken
}

func (e *ClosingEmitter) Unsubscribe(token uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.receivers, token)
}

// Close invokes every subscriber once and drops the subscriptions, so a
// repeated Close is a no-op. The subscribers are taken under the emitter
// lock and invoked after it is released: a subscriber's close may run
// inline on its loop and unsubscribe itself from this emitter.
// Iteration is in token order so the fan-out order is stable per run.
func (e *ClosingEmitter) Close() {
	e.mu.Lock()
	receivers := e.receivers
	e.receivers = make(map[uint64]func())
	e.mu.Unlock()
	tokens := make([]uint64, 0, len(receivers))
	for t := range receivers {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	for _, t := range tokens {
		receivers[t]()
	}
}

// ClosingReceiver 安装在 context 关闭时需要被一并关闭的对象上
// （pipe、connection、listener、channel）。emitter 对订阅对象只做弱引用：
// 对象先于 context 释放时，级联对它是空操作。
type ClosingReceiver struct {
	emitter *ClosingEmitter
	token   uint64
}

func NewClosingReceiver(emitter *ClosingEmitter) *ClosingReceiver {
	return &ClosingReceiver{emitter: emitter}
}

// Activate subscribes closeFn, gated by the subject's liveness.
func (r *ClosingReceiver) Activate(live *Liveness, closeFn func()) {
	r.token = r.emitter.Subscribe(RunIfAlive(live, closeFn))
}

func (r *ClosingReceiver) Deactivate() {
	if r.token != 0 {
		r.emitter.Unsubscribe(r.token)
		r.token = 0
	}
}
