package context

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tensorlink/common"
	"tensorlink/core/channel"
	"tensorlink/core/transport"
)

var contextCounter uint64

// Context 是进程内传输与通道的目录，也是关闭级联的根：
// Close 经由 closing emitter 把一次 close 扇出到所有存活的下属对象，
// Join 再等各引擎与工人线程退出。
// 注册表是显式的每 context 映射，不是进程级全局状态。
type Context struct {
	id     string
	logger zerolog.Logger

	mu         sync.Mutex
	transports map[string]transport.Transport
	channels   map[string]channel.Factory

	emitter *common.ClosingEmitter

	closed atomic.Bool
	joined atomic.Bool
}

func New(logger zerolog.Logger) *Context {
	id := fmt.Sprintf("%d:c%d", os.Getpid(), atomic.AddUint64(&contextCounter, 1)-1)
	return &Context{
		id:         id,
		logger:     logger.With().Str("context", id).Logger(),
		transports: make(map[string]transport.Transport),
		channels:   make(map[string]channel.Factory),
		emitter:    common.NewClosingEmitter(),
	}
}

func (c *Context) ID() string { return c.id }

// ClosingEmitter 给下属对象订阅关闭级联用
func (c *Context) ClosingEmitter() *common.ClosingEmitter { return c.emitter }

// RegisterTransport 按名字登记一种传输。使用前完成注册。
func (c *Context) RegisterTransport(name string, t transport.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports[name] = t
}

// RegisterChannel 按名字登记一种通道工厂
func (c *Context) RegisterChannel(name string, f channel.Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[name] = f
}

func (c *Context) Transport(name string) (transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transports[name]
	if !ok {
		return nil, common.NewProtocolViolation(fmt.Sprintf("unknown transport %q", name))
	}
	return t, nil
}

func (c *Context) ChannelFactory(name string) (channel.Factory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.channels[name]
	if !ok {
		return nil, common.NewProtocolViolation(fmt.Sprintf("unknown channel %q", name))
	}
	return f, nil
}

// Close 幂等。先扇出到所有订阅的下属对象，再关各传输与通道工厂。
func (c *Context) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.logger.Debug().Msg("context closing")
	c.emitter.Close()

	c.mu.Lock()
	transports := make([]transport.Transport, 0, len(c.transports))
	for _, t := range c.transports {
		transports = append(transports, t)
	}
	factories := make([]channel.Factory, 0, len(c.channels))
	for _, f := range c.channels {
		factories = append(factories, f)
	}
	c.mu.Unlock()

	for _, f := range factories {
		f.Close()
	}
	for _, t := range transports {
		t.Close()
	}
}

// Join 幂等。等所有引擎线程和通道工人退出。
func (c *Context) Join() {
	c.Close()
	if c.joined.Swap(true) {
		return
	}

	c.mu.Lock()
	transports := make([]transport.Transport, 0, len(c.transports))
	for _, t := range c.transports {
		transports = append(transports, t)
	}
	factories := make([]channel.Factory, 0, len(c.channels))
	for _, f := range c.channels {
		factories = append(factories, f)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, t := range transports {
		g.Go(func() error {
			t.Join()
			return nil
		})
	}
	for _, f := range factories {
		g.Go(func() error {
			f.Join()
			return nil
		})
	}
	g.Wait()
	c.logger.Debug().Msg("context joined")
}
