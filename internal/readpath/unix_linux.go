//go:build linux

package readpath

import "golang.org/x/sys/unix"

// UnixMmapper implements Mmapper using golang.org/x/sys/unix on Linux.
type UnixMmapper struct{}

// Map mmaps length bytes at offset from fd for read-write access.
func (UnixMmapper) Map(fd uintptr, offset int64, length int) ([]byte, error) {
	return unix.Mmap(int(fd), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Unmap releases a mapping obtained from Map.
func (UnixMmapper) Unmap(b []byte) error {
	return unix.Munmap(b)
}

// UnixSender implements Sender using sendfile(2) on Linux.
type UnixSender struct{}

// Supported reports true; sendfile is always available on Linux.
func (UnixSender) Supported() bool { return true }

// SendFile writes count bytes from srcFD at offset to dstFD via the kernel,
// without copying through user space.
func (UnixSender) SendFile(dstFD int, srcFD uintptr, offset int64, count int) (int, error) {
	off := offset
	return unix.Sendfile(dstFD, int(srcFD), &off, count)
}
