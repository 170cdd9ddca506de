//go:build linux

package shm

import (
	"golang.org/x/sys/unix"

	"tensorlink/common"
)

// 握手在一条临时 unix 域套接字上完成：拨号端创建两个环（自己的发送环
// 和接收环）连同各自的两个 eventfd，共 6 个 fd 经 SCM_RIGHTS 一次性
// 传给监听端；监听端按对调的角色映射。此后套接字即可丢弃，
// 数据全部走共享内存。

// sendRings 把拨号端建好的 fd 包发给对端
func sendRings(udsFd int, tx, rx *Ring) error {
	fds := []int{
		tx.seg.Fd(), tx.DataFd(), tx.SpaceFd(),
		rx.seg.Fd(), rx.DataFd(), rx.SpaceFd(),
	}
	oob := unix.UnixRights(fds...)
	if err := unix.Sendmsg(udsFd, []byte{0}, oob, nil, 0); err != nil {
		return common.NewSystemError("sendmsg", err)
	}
	return nil
}

// receiveRings 收 fd 包并按对调角色建环：对端的发送环是本端的接收环
func receiveRings(udsFd int) (tx, rx *Ring, err error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(6*4))
	_, oobn, _, _, err := unix.Recvmsg(udsFd, buf, oob, 0)
	if err != nil {
		return nil, nil, common.NewSystemError("recvmsg", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(msgs) == 0 {
		return nil, nil, common.NewProtocolViolation("shm handshake carried no control message")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil || len(fds) != 6 {
		return nil, nil, common.NewProtocolViolation("shm handshake expected 6 descriptors")
	}

	rxSeg, err := MapSegment(fds[0])
	if err != nil {
		closeAll(fds[1:])
		return nil, nil, err
	}
	txSeg, err := MapSegment(fds[3])
	if err != nil {
		rxSeg.Close()
		closeAll([]int{fds[1], fds[2], fds[4], fds[5]})
		return nil, nil, err
	}
	rx = NewRing(rxSeg, fds[1], fds[2])
	tx = NewRing(txSeg, fds[4], fds[5])
	return tx, rx, nil
}

// createRingPair 拨号端建一对环
func createRingPair(capacity int) (tx, rx *Ring, err error) {
	tx, err = createRing("tensorlink-shm-tx", capacity)
	if err != nil {
		return nil, nil, err
	}
	rx, err = createRing("tensorlink-shm-rx", capacity)
	if err != nil {
		tx.Release()
		return nil, nil, err
	}
	return tx, rx, nil
}

func createRing(name string, capacity int) (*Ring, error) {
	seg, err := CreateSegment(name, RingHeaderSize+capacity)
	if err != nil {
		return nil, err
	}
	dataFd, err := NewEventFd()
	if err != nil {
		seg.Close()
		return nil, err
	}
	spaceFd, err := NewEventFd()
	if err != nil {
		unix.Close(dataFd)
		seg.Close()
		return nil, err
	}
	return NewRing(seg, dataFd, spaceFd), nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
