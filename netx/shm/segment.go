//go:build linux

package shm

import (
	"golang.org/x/sys/unix"

	"tensorlink/common"
)

// Segment 是一块匿名共享内存映射。fd 通过 unix 域套接字在进程间传递，
// 两边各自 mmap 同一个 memfd。
type Segment struct {
	fd  int
	mem []byte
}

// CreateSegment 新建一个 size 字节的匿名共享内存文件并映射
func CreateSegment(name string, size int) (*Segment, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, common.NewSystemError("memfd_create", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, common.NewSystemError("ftruncate", err)
	}
	return mapSegment(fd, size)
}

// MapSegment 映射一个从对端收到的共享内存 fd
func MapSegment(fd int) (*Segment, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, common.NewSystemError("fstat", err)
	}
	return mapSegment(fd, int(st.Size))
}

func mapSegment(fd, size int) (*Segment, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, common.NewSystemError("mmap", err)
	}
	return &Segment{fd: fd, mem: mem}, nil
}

func (s *Segment) Fd() int {
	return s.fd
}

func (s *Segment) Size() int {
	return len(s.mem)
}

// Close 解除映射并关闭 fd。对端的映射不受影响。
func (s *Segment) Close() {
	if s.mem != nil {
		unix.Munmap(s.mem)
		s.mem = nil
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}
