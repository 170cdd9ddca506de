package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"tensorlink/core/channel"
	"tensorlink/core/channel/basic"
	"tensorlink/core/channel/cma"
	"tensorlink/core/config"
	tlcontext "tensorlink/core/context"
	"tensorlink/core/pipe"
	"tensorlink/netx/connection"
)

// 回显客户端：发一个张量，等回显，校验字节一致
func main() {
	logger := zerolog.New(os.Stderr).Level(zerolog.InfoLevel)
	cfg := config.Default()

	ctx := tlcontext.New(logger)
	socket, err := connection.NewTransport(cfg.Poller.NumLoops, logger)
	if err != nil {
		panic(err)
	}
	factory := basic.NewFactory(logger)
	ctx.RegisterTransport("socket", socket)
	ctx.RegisterChannel("basic", factory)
	if cmaFactory, err := cma.NewFactory(cfg.Cma.Workers, logger); err == nil {
		ctx.RegisterChannel("cma", cmaFactory)
	}

	addr := "127.0.0.1:50051"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	controlConn, err := socket.Connect(addr)
	if err != nil {
		panic(err)
	}
	channelConn, err := socket.Connect(addr)
	if err != nil {
		panic(err)
	}
	ch := factory.New(channelConn, channel.EndpointConnect)
	p := pipe.New(controlConn, "basic", ch, ctx.ClosingEmitter(), logger)

	tensor := bytes.Repeat([]byte{0x42}, 1024)
	done := make(chan struct{})
	p.Write(tensor, func(err error) {
		if err != nil {
			fmt.Println("write error:", err)
		}
	})
	p.Read(func(err error, echoed []byte) {
		defer close(done)
		if err != nil {
			fmt.Println("read error:", err)
			return
		}
		if bytes.Equal(echoed, tensor) {
			fmt.Println("echo ok:", len(echoed), "bytes")
		} else {
			fmt.Println("echo mismatch")
		}
	})
	<-done

	p.Close()
	ctx.Join()
}
