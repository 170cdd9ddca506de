//go:build linux

package poller

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Manager 管理多个事件循环，连接注册时轮询选择一个
type Manager struct {
	loops   []*EventLoop
	pickIdx int32
}

func NewManager(numLoops int, logger zerolog.Logger) (*Manager, error) {
	if numLoops < 1 {
		numLoops = 1
	}
	m := &Manager{loops: make([]*EventLoop, 0, numLoops)}
	for i := 0; i < numLoops; i++ {
		loop, err := NewEventLoop(logger.With().Int("loop", i).Logger())
		if err != nil {
			m.Join()
			return nil, err
		}
		m.loops = append(m.loops, loop)
	}
	return m, nil
}

// Pick 轮询选择一个事件循环
func (m *Manager) Pick() *EventLoop {
	idx := int(atomic.AddInt32(&m.pickIdx, 1)) % len(m.loops)
	return m.loops[idx]
}

// Close 请求所有循环终止，不等待
func (m *Manager) Close() {
	for _, l := range m.loops {
		l.Close()
	}
}

func (m *Manager) Join() {
	for _, l := range m.loops {
		l.Join()
	}
}
