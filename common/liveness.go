package common

import "sync"

// Liveness 表示一个对象是否还"活着"。回调在进入时尝试升级（Acquire），
// 对象已经释放则回调静默取消；升级成功则对象在回调执行期间不会被视为已释放。
//
// 对应的生命周期约定：对象在 Close 完成、所有回调都已冲刷之后调用 Kill。
type Liveness struct {
	mu   sync.Mutex
	dead bool
	busy int
}

func NewLiveness() *Liveness {
	return &Liveness{}
}

// Acquire 尝试升级，对象已死返回 false。
func (l *Liveness) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return false
	}
	l.busy++
	return true
}

func (l *Liveness) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.busy--
}

// Kill 标记对象已释放。正在执行的回调继续运行到结束，之后的调用被取消。
func (l *Liveness) Kill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead = true
}

// RunIfAlive wraps fn so that the returned closure only runs while l is
// alive. The liveness is held for the duration of the call, so killing it
// mid-invocation lets the call complete.
func RunIfAlive(l *Liveness, fn func()) func() {
	return func() {
		if !l.Acquire() {
			return
		}
		defer l.Release()
		fn()
	}
}

// RunIfAlive1 is RunIfAlive for a closure taking one argument.
func RunIfAlive1[T any](l *Liveness, fn func(T)) func(T) {
	return func(v T) {
		if !l.Acquire() {
			return
		}
		defer l.Release()
		fn(v)
	}
}
