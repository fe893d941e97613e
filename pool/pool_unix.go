//go:build unix

package pool

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixMappedFile is the unix (linux/darwin/...) mappedFile implementation,
// grounded on the same golang.org/x/sys/unix usage the teacher's
// poller_linux.go/poller_darwin.go apply to epoll/kqueue, here applied to
// mmap/msync for a file-backed pool.
type unixMappedFile struct {
	f    *os.File
	data []byte
}

func openMappedFile(path string, size uint64) (mappedFile, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("pool: open %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, err
	}

	isReopen := info.Size() == int64(size)
	if info.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("pool: truncate to %d: %w", size, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("pool: mmap: %w", err)
	}

	return &unixMappedFile{f: f, data: data}, isReopen, nil
}

func (m *unixMappedFile) addr() uintptr {
	if len(m.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.data[0]))
}

func (m *unixMappedFile) bytes() []byte { return m.data }

func (m *unixMappedFile) msync(offset, length int) error {
	end := offset + length
	if end > len(m.data) {
		end = len(m.data)
	}
	return unix.Msync(m.data[offset:end], unix.MS_SYNC)
}

func (m *unixMappedFile) close() error {
	if err := unix.Munmap(m.data); err != nil {
		m.f.Close()
		return err
	}
	return m.f.Close()
}
