//go:build !linux

package readpath

import "errors"

// UnixMmapper is unavailable outside Linux in this build; NewReader should
// be given a nil Mmapper on these platforms so callers fall back to
// CopyingRead.
type UnixMmapper struct{}

// Map always fails on non-Linux builds.
func (UnixMmapper) Map(fd uintptr, offset int64, length int) ([]byte, error) {
	return nil, errors.New("mmap not supported on this platform")
}

// Unmap always fails on non-Linux builds.
func (UnixMmapper) Unmap(b []byte) error {
	return errors.New("munmap not supported on this platform")
}

// UnixSender reports Supported() == false on non-Linux builds, so
// SendFileTo falls back to the copying path per spec.md §4.6.
type UnixSender struct{}

// Supported reports false outside Linux.
func (UnixSender) Supported() bool { return false }

// SendFile always fails on non-Linux builds.
func (UnixSender) SendFile(dstFD int, srcFD uintptr, offset int64, count int) (int, error) {
	return 0, errors.New("sendfile not supported on this platform")
}
