//go:build linux

package shm

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"tensorlink/common"
)

// 环形缓冲区头部布局（按缓存行对齐）：
//
//	+0   生产者序号 P（64 位单调递增，只有写端写）
//	+8   关闭标志（任一端关闭时置位）
//	+64  消费者序号 C（64 位单调递增，只有读端写）
//	+128 数据区，capacity 字节
//
// 可读字节 = P−C，可写字节 = capacity−(P−C)；容量是 2 的幂，
// 偏移用 seq&(capacity-1)。跨端读取用 acquire 语义，推进自己的
// 序号用 release 语义（Go 的 atomic 提供更强的顺序一致保证）。
const (
	RingHeaderSize = 128

	offProducer = 0
	offClosed   = 8
	offConsumer = 64

	// DefaultRingCapacity 是未配置时的数据区大小
	DefaultRingCapacity = 2 * 1024 * 1024
)

// Ring 是共享内存上的单生产者单消费者字节环。唤醒通过两个 eventfd：
// dataFd 由生产者在空转非空时写（通知消费者），spaceFd 由消费者在
// 满转非满时写（通知生产者）。等待前先把 eventfd 读空。
type Ring struct {
	seg     *Segment
	data    []byte
	cap     uint64
	mask    uint64
	dataFd  int
	spaceFd int
}

// NewRing 在一个映射好的 segment 上构造环。segment 大小必须是
// RingHeaderSize+capacity，capacity 是 2 的幂。
func NewRing(seg *Segment, dataFd, spaceFd int) *Ring {
	capacity := uint64(seg.Size() - RingHeaderSize)
	return &Ring{
		seg:     seg,
		data:    seg.mem[RingHeaderSize:],
		cap:     capacity,
		mask:    capacity - 1,
		dataFd:  dataFd,
		spaceFd: spaceFd,
	}
}

func (r *Ring) producer() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.seg.mem[offProducer]))
}

func (r *Ring) consumer() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.seg.mem[offConsumer]))
}

func (r *Ring) closedFlag() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.seg.mem[offClosed]))
}

func (r *Ring) Capacity() uint64 { return r.cap }

func (r *Ring) DataFd() int  { return r.dataFd }
func (r *Ring) SpaceFd() int { return r.spaceFd }

// Available 返回当前可读字节数（写端视角下可能偏旧）
func (r *Ring) Available() uint64 {
	return r.producer().Load() - r.consumer().Load()
}

// WriteSome 写入最多 len(p) 字节，返回实际写入数。环满返回 0。
// 只允许写端调用。
func (r *Ring) WriteSome(p []byte) int {
	prod := r.producer().Load()
	cons := r.consumer().Load()
	used := prod - cons
	free := r.cap - used
	n := uint64(len(p))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	off := prod & r.mask
	first := r.cap - off
	if first > n {
		first = n
	}
	copy(r.data[off:off+first], p[:first])
	copy(r.data[:n-first], p[first:n])
	r.producer().Store(prod + n)
	// 空转非空：通知消费者。发布之后重读消费者序号，
	// 避免与对端入睡之间的丢失唤醒竞争。
	if r.consumer().Load() == prod {
		signalEventFd(r.dataFd)
	}
	return int(n)
}

// ReadSome 读出最多 len(p) 字节，返回实际读出数。环空返回 0。
// 只允许读端调用。
func (r *Ring) ReadSome(p []byte) int {
	prod := r.producer().Load()
	cons := r.consumer().Load()
	used := prod - cons
	n := uint64(len(p))
	if n > used {
		n = used
	}
	if n == 0 {
		return 0
	}
	off := cons & r.mask
	first := r.cap - off
	if first > n {
		first = n
	}
	copy(p[:first], r.data[off:off+first])
	copy(p[first:n], r.data[:n-first])
	r.consumer().Store(cons + n)
	// 满转非满：通知生产者。消费之后重读生产者序号，
	// 避免与对端入睡之间的丢失唤醒竞争。
	if r.producer().Load()-cons == r.cap {
		signalEventFd(r.spaceFd)
	}
	return int(n)
}

// Close 置关闭标志并敲两个 eventfd，让两端都从等待中醒来
func (r *Ring) Close() {
	r.closedFlag().Store(1)
	signalEventFd(r.dataFd)
	signalEventFd(r.spaceFd)
}

func (r *Ring) Closed() bool {
	return r.closedFlag().Load() != 0
}

// Release 解除本端资源：eventfd 与映射
func (r *Ring) Release() {
	unix.Close(r.dataFd)
	unix.Close(r.spaceFd)
	r.seg.Close()
}

func signalEventFd(fd int) {
	var one = [8]byte{1}
	unix.Write(fd, one[:])
}

func drainEventFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// NewEventFd 创建一个非阻塞 eventfd
func NewEventFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, common.NewSystemError("eventfd", err)
	}
	return fd, nil
}
