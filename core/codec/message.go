package codec

import (
	"google.golang.org/protobuf/encoding/protowire"

	"tensorlink/common"
)

// Message 是 pipe 在控制连接上为每个张量发的公告：
// 载荷长度加上通道产出的描述符。pipe 建立时双方先各发一帧 Setup
// 交换通道名，之后才是公告流。
//
//	Setup   { channel = 1 (bytes) }
//	Message { length = 1 (varint), descriptor = 2 (bytes) }
const (
	msgFieldLength     = protowire.Number(1)
	msgFieldDescriptor = protowire.Number(2)

	setupFieldChannel = protowire.Number(1)
)

type Message struct {
	Length     uint64
	Descriptor []byte
}

// Setup 是 pipe 建立时交换的通道名
type Setup struct {
	Channel string
}

func EncodeSetup(s *Setup) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, setupFieldChannel, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte(s.Channel))
	return buf
}

func DecodeSetup(data []byte) (*Setup, error) {
	s := &Setup{}
	seen := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, common.NewProtocolViolation("malformed setup tag")
		}
		data = data[n:]
		if num == setupFieldChannel && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, common.NewProtocolViolation("malformed setup channel")
			}
			s.Channel = string(v)
			seen = true
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, common.NewProtocolViolation("malformed setup field")
		}
		data = data[n:]
	}
	if !seen {
		return nil, common.NewProtocolViolation("setup frame carried no channel name")
	}
	return s, nil
}

func EncodeMessage(m *Message) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, msgFieldLength, protowire.VarintType)
	buf = protowire.AppendVarint(buf, m.Length)
	buf = protowire.AppendTag(buf, msgFieldDescriptor, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Descriptor)
	return buf
}

func DecodeMessage(data []byte) (*Message, error) {
	m := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, common.NewProtocolViolation("malformed message tag")
		}
		data = data[n:]
		switch {
		case num == msgFieldLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, common.NewProtocolViolation("malformed message length")
			}
			m.Length = v
			data = data[n:]
		case num == msgFieldDescriptor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, common.NewProtocolViolation("malformed message descriptor")
			}
			m.Descriptor = append([]byte(nil), v...)
			data = data[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, common.NewProtocolViolation("malformed message field")
			}
			data = data[n:]
		}
	}
	return m, nil
}
