package transport

// 传输层把一条可靠、有序、面向消息的字节管道抽象成 Connection，
// 具体机制（socket、共享内存）由各个 Transport 实现提供。
// 所有方法都是提交即返回，完成通过回调通知；回调先被路由回对象自己的
// 串行循环再触碰状态。

// ReadCallback 读完成回调。err 为 nil 时 buf 是完整的一条消息。
type ReadCallback func(err error, buf []byte)

// WriteCallback 写完成回调
type WriteCallback func(err error)

// AcceptCallback 接受连接完成回调
type AcceptCallback func(err error, conn Connection)

// Connection 是一条可靠有序的消息管道。同方向的操作按提交顺序完成，
// 每个提交的回调恰好触发一次。
type Connection interface {
	// Read 隐式分配读：由连接按消息长度分配缓冲区。
	Read(cb ReadCallback)
	// ReadInto 显式目的读：消息长度必须等于 len(buf)。
	ReadInto(buf []byte, cb ReadCallback)
	// Write 写一条消息。
	Write(buf []byte, cb WriteCallback)
	// Close 关闭连接，排队中的操作以 CONNECTION_CLOSED 失败。幂等。
	Close()
}

// Listener 接受入站连接
type Listener interface {
	// Accept 装填一个接受回调，每次到来的连接消费一个。
	Accept(cb AcceptCallback)
	// Addr 返回实际监听地址。
	Addr() string
	Close()
}

// Transport 是一种传输机制的工厂
type Transport interface {
	Name() string
	// DomainDescriptor 用于判断两个端点之间能否使用这种传输。
	DomainDescriptor() string
	Connect(addr string) (Connection, error)
	Listen(addr string) (Listener, error)
	Close()
	Join()
}
