package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"tensorlink/common"
	"tensorlink/core/transport"
)

// 通道协调协议的控制包。包本身是应用层的序列化格式，承载它的连接
// 只把它当作一条定长消息。oneof 两种：Request 要求对端开始发送
// 某个操作的数据，Reply 宣告数据（或拷贝）已经就绪/完成。
//
// 线格式是手写的 protobuf：
//
//	Packet     { request = 1 | reply = 2 }
//	Request    { operation_id = 1 (varint) }
//	Reply      { operation_id = 1 (varint) }
const (
	packetFieldRequest = protowire.Number(1)
	packetFieldReply   = protowire.Number(2)

	opFieldID = protowire.Number(1)
)

// 描述符字段。basic 通道只带操作号；cma 通道再带上发送端进程号、
// 缓冲区虚拟地址和长度。
const (
	descFieldID     = protowire.Number(1)
	descFieldPid    = protowire.Number(2)
	descFieldAddr   = protowire.Number(3)
	descFieldLength = protowire.Number(4)
)

type Request struct {
	OperationID uint64
}

type Reply struct {
	OperationID uint64
}

// Packet 是控制连接上的一条协议消息，request 和 reply 恰好一个非空
type Packet struct {
	Request *Request
	Reply   *Reply
}

// Descriptor 是 send 产出、recv 消费的带外元数据
type Descriptor struct {
	OperationID uint64
	Pid         int32
	Addr        uint64
	Length      uint64
}

func EncodePacket(p *Packet) []byte {
	var buf []byte
	switch {
	case p.Request != nil:
		buf = protowire.AppendTag(buf, packetFieldRequest, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeOp(p.Request.OperationID))
	case p.Reply != nil:
		buf = protowire.AppendTag(buf, packetFieldReply, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeOp(p.Reply.OperationID))
	}
	return buf
}

func encodeOp(id uint64) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, opFieldID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, id)
	return buf
}

// DecodePacket 解析一条控制包。既不是 request 也不是 reply
// 是致命的协议违例。
func DecodePacket(data []byte) (*Packet, error) {
	p := &Packet{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, common.NewProtocolViolation("malformed packet tag")
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return nil, common.NewProtocolViolation(fmt.Sprintf("unexpected wire type %d in packet", typ))
		}
		body, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, common.NewProtocolViolation("malformed packet body")
		}
		data = data[n:]
		id, err := decodeOp(body)
		if err != nil {
			return nil, err
		}
		switch num {
		case packetFieldRequest:
			p.Request = &Request{OperationID: id}
		case packetFieldReply:
			p.Reply = &Reply{OperationID: id}
		default:
			return nil, common.NewProtocolViolation(fmt.Sprintf("unknown packet field %d", num))
		}
	}
	if (p.Request == nil) == (p.Reply == nil) {
		return nil, common.NewProtocolViolation("packet is not a request nor a reply")
	}
	return p, nil
}

func decodeOp(data []byte) (uint64, error) {
	var id uint64
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, common.NewProtocolViolation("malformed operation tag")
		}
		data = data[n:]
		if num == opFieldID && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, common.NewProtocolViolation("malformed operation id")
			}
			id = v
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return 0, common.NewProtocolViolation("malformed operation field")
		}
		data = data[n:]
	}
	return id, nil
}

func EncodeDescriptor(d *Descriptor) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, descFieldID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, d.OperationID)
	if d.Pid != 0 {
		buf = protowire.AppendTag(buf, descFieldPid, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(d.Pid))
	}
	if d.Addr != 0 {
		buf = protowire.AppendTag(buf, descFieldAddr, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, d.Addr)
	}
	if d.Length != 0 {
		buf = protowire.AppendTag(buf, descFieldLength, protowire.VarintType)
		buf = protowire.AppendVarint(buf, d.Length)
	}
	return buf
}

func DecodeDescriptor(data []byte) (*Descriptor, error) {
	d := &Descriptor{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, common.NewProtocolViolation("malformed descriptor tag")
		}
		data = data[n:]
		switch {
		case num == descFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, common.NewProtocolViolation("malformed descriptor operation id")
			}
			d.OperationID = v
			data = data[n:]
		case num == descFieldPid && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, common.NewProtocolViolation("malformed descriptor pid")
			}
			d.Pid = int32(v)
			data = data[n:]
		case num == descFieldAddr && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, common.NewProtocolViolation("malformed descriptor address")
			}
			d.Addr = v
			data = data[n:]
		case num == descFieldLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, common.NewProtocolViolation("malformed descriptor length")
			}
			d.Length = v
			data = data[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, common.NewProtocolViolation("malformed descriptor field")
			}
			data = data[n:]
		}
	}
	return d, nil
}

// ReadPacket 是"读一条定长消息并解码"的便捷封装
func ReadPacket(conn transport.Connection, cb func(err error, pkt *Packet)) {
	conn.Read(func(err error, buf []byte) {
		if err != nil {
			cb(err, nil)
			return
		}
		pkt, err := DecodePacket(buf)
		cb(err, pkt)
	})
}

// WritePacket 编码并写一条控制包
func WritePacket(conn transport.Connection, pkt *Packet, cb transport.WriteCallback) {
	conn.Write(EncodePacket(pkt), cb)
}
