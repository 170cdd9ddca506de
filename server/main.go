package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"tensorlink/common"
	"tensorlink/core/channel"
	"tensorlink/core/channel/basic"
	"tensorlink/core/channel/cma"
	"tensorlink/core/config"
	tlcontext "tensorlink/core/context"
	"tensorlink/core/pipe"
	"tensorlink/core/transport"
	"tensorlink/netx/connection"
)

// 回显服务端：第一条连接做 pipe 控制线，第二条做 basic 通道的
// 控制线，收到的张量原样发回去
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

	ln, err := socket.Listen("127.0.0.1:50051")
	if err != nil {
		panic(err)
	}
	fmt.Println("listening on", ln.Addr())

	done := make(chan struct{})
	ln.Accept(func(err error, controlConn transport.Connection) {
		if err != nil {
			fmt.Println("accept error:", err)
			close(done)
			return
		}
		ln.Accept(func(err error, channelConn transport.Connection) {
			if err != nil {
				fmt.Println("accept error:", err)
				close(done)
				return
			}
			ch := factory.New(channelConn, channel.EndpointListen)
			p := pipe.New(controlConn, "basic", ch, ctx.ClosingEmitter(), logger)
			serve(p, done)
		})
	})

	<-done
	ctx.Join()
}

func serve(p *pipe.Pipe, done chan struct{}) {
	var echo func()
	echo = func() {
		p.Read(func(err error, tensor []byte) {
			if err != nil {
				if !errors.Is(err, common.ErrEOF) {
					fmt.Println("read error:", err)
				}
				close(done)
				return
			}
			p.Write(tensor, func(err error) {
				if err != nil {
					fmt.Println("write error:", err)
					close(done)
					return
				}
				echo()
			})
		})
	}
	echo()
}
