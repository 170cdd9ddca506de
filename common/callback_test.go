package common

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIfAliveSkipsDeadSubject(t *testing.T) {
	live := NewLiveness()
	ran := false
	fn := RunIfAlive(live, func() { ran = true })

	live.Kill()
	fn()
	assert.False(t, ran, "callback must not run after the subject is released")
}

func TestRunIfAliveHeldAcrossCall(t *testing.T) {
	live := NewLiveness()
	completed := false
	fn := RunIfAlive(live, func() {
		// 升级在整个调用期间保持：调用中途 Kill 不中断执行
		live.Kill()
		completed = true
	})
	fn()
	assert.True(t, completed)

	ran := false
	RunIfAlive(live, func() { ran = true })()
	assert.False(t, ran)
}

func TestRearmableCallbackPairsFIFO(t *testing.T) {
	c := NewRearmableCallback[int]()
	var got []string

	c.Trigger(1)
	c.Trigger(2)
	c.Arm(func(v int) { got = append(got, fmt.Sprintf("a%d", v)) })
	c.Arm(func(v int) { got = append(got, fmt.Sprintf("b%d", v)) })
	c.Arm(func(v int) { got = append(got, fmt.Sprintf("c%d", v)) })
	c.Trigger(3)
	c.Trigger(4) // 没有装填的回调，暂存
	c.Arm(func(v int) { got = append(got, fmt.Sprintf("d%d", v)) })

	assert.Equal(t, []string{"a1", "b2", "c3", "d4"}, got)
}

func TestRearmableCallbackTriggerAll(t *testing.T) {
	c := NewRearmableCallback[int]()
	var got []int
	c.Arm(func(v int) { got = append(got, v) })
	c.Arm(func(v int) { got = append(got, v) })

	next := 100
	c.TriggerAll(func() int {
		next++
		return next
	})
	assert.Equal(t, []int{101, 102}, got)

	// 冲刷后再 Trigger 只会暂存
	c.Trigger(7)
	c.Arm(func(v int) { got = append(got, v) })
	assert.Equal(t, []int{101, 102, 7}, got)
}

func TestClosingEmitterCascade(t *testing.T) {
	e := NewClosingEmitter()
	liveA, liveB := NewLiveness(), NewLiveness()
	var closedA, closedB int

	ra := NewClosingReceiver(e)
	ra.Activate(liveA, func() { closedA++ })
	rb := NewClosingReceiver(e)
	rb.Activate(liveB, func() { closedB++ })

	// B 先于 context 释放：级联对它是空操作
	liveB.Kill()

	e.Close()
	assert.Equal(t, 1, closedA)
	assert.Equal(t, 0, closedB)

	// close 幂等，订阅者只会被调用一次
	ra.Deactivate()
	e.Close()
	assert.Equal(t, 1, closedA)
}

func TestSerialLoopOrdering(t *testing.T) {
	var loop SerialLoop
	var got []int
	loop.Defer(func() {
		got = append(got, 1)
		// 排水期间的再提交排在队尾
		loop.Defer(func() { got = append(got, 3) })
		got = append(got, 2)
	})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestSerialLoopConcurrent(t *testing.T) {
	var loop SerialLoop
	var mu sync.Mutex
	counts := make(map[int]int)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				loop.Defer(func() {
					mu.Lock()
					counts[g]++
					mu.Unlock()
				})
			}
		}(g)
	}
	wg.Wait()
	for g := 0; g < 8; g++ {
		assert.Equal(t, 100, counts[g])
	}
}

// fakeSubject 给包装器测试用
type fakeSubject struct {
	loop    SerialLoop
	live    *Liveness
	err     error
	handled int
}

func newFakeSubject() *fakeSubject {
	return &fakeSubject{live: NewLiveness()}
}

func (s *fakeSubject) DeferToLoop(fn func()) { s.loop.Defer(fn) }
func (s *fakeSubject) Liveness() *Liveness { return s.live }
func (s *fakeSubject) Err() error { return s.err }
func (s *fakeSubject) SetError(err error) { s.err = err }
func (s *fakeSubject) HandleError() { s.handled++ }

func TestLazyWrapperAbsorbsError(t *testing.T) {
	s := newFakeSubject()
	ran := false
	cb := LazyWrite(s, func() { ran = true })

	cb(ErrConnectionClosed)
	assert.False(t, ran, "lazy continuation must not run on error")
	require.Error(t, s.err)
	assert.True(t, errors.Is(s.err, ErrConnectionClosed))
	assert.Equal(t, 1, s.handled)

	// 已在错误态：后续错误被丢弃，继续体也不会执行
	cb2 := LazyWrite(s, func() { ran = true })
	cb2(ErrEOF)
	assert.True(t, errors.Is(s.err, ErrConnectionClosed))
	assert.Equal(t, 1, s.handled)
	assert.False(t, ran)
}

func TestLazyWrapperRunsOnSuccess(t *testing.T) {
	s := newFakeSubject()
	ran := false
	LazyWrite(s, func() { ran = true })(nil)
	assert.True(t, ran)
	assert.NoError(t, s.err)
}

func TestEagerWrapperSurfacesError(t *testing.T) {
	s := newFakeSubject()
	ran := false
	cb := EagerWrite(s, func() { ran = true })

	cb(ErrConnectionClosed)
	assert.True(t, ran, "eager continuation always runs so the resource can be released")
	assert.True(t, errors.Is(s.err, ErrConnectionClosed))
	assert.Equal(t, 1, s.handled)
}

func TestEagerReadCarriesPayload(t *testing.T) {
	s := newFakeSubject()
	var got []byte
	EagerRead(s, func(buf []byte) { got = buf })(nil, []byte("abc"))
	assert.Equal(t, []byte("abc"), got)
}
