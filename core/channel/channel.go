package channel

import (
	"tensorlink/core/transport"
)

// 通道是复用在一条控制连接上的张量数据搬运器，可以用与控制连接
// 完全不同的介质（比如同机进程间直接读内存）。send 产出一段不透明
// 的描述符字节，经带外（pipe）送到对端，对端拿它调 recv。

// DescriptorCallback 携带 send 产出的描述符
type DescriptorCallback func(err error, descriptor []byte)

// SendCallback 发送完成（对端拿走数据）时触发
type SendCallback func(err error)

// RecvCallback 接收完成（数据落进本端缓冲区）时触发
type RecvCallback func(err error)

// Endpoint 标记通道两端的角色，只有需要打破对称性的通道才使用
type Endpoint int

const (
	EndpointListen Endpoint = iota
	EndpointConnect
)

type Channel interface {
	// Send 登记一块出站缓冲区。descriptorCb 同步产出描述符；
	// cb 在对端取走全部数据后触发。
	Send(buf []byte, descriptorCb DescriptorCallback, cb SendCallback)
	// Recv 按描述符接收数据到 buf。长度必须与 send 端一致。
	Recv(descriptor []byte, buf []byte, cb RecvCallback)
	// Close 关闭通道，在途操作以 CHANNEL_CLOSED 失败。幂等。
	Close()
}

// Factory 在一条已建立的控制连接上生产通道实例
type Factory interface {
	Name() string
	// DomainDescriptor 两端相等才能建这种通道。
	DomainDescriptor() string
	New(conn transport.Connection, endpoint Endpoint) Channel
	Close()
	Join()
}

// Compatible 判断本端工厂能否与给定描述符的对端建通道：
// 描述符严格相等才行。cma 的描述符带 boot_id 和 uid/gid，
// 不同机器或不同身份的进程在这里被拒绝。
func Compatible(local Factory, remoteDescriptor string) bool {
	return local.DomainDescriptor() == remoteDescriptor
}
