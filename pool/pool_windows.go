//go:build windows

package pool

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsMappedFile is the windows mappedFile implementation, using
// CreateFileMapping/MapViewOfFile, the same golang.org/x/sys/windows usage
// the teacher's poller_windows.go applies to IOCP, here applied to a
// file-backed view for the pool.
type windowsMappedFile struct {
	f      *os.File
	mapObj windows.Handle
	addr0  uintptr
	size   uint64
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

	sizeHigh := uint32(size >> 32)
	sizeLow := uint32(size & 0xffffffff)

	h := windows.Handle(f.Fd())
	mapObj, err := windows.CreateFileMapping(h, nil, windows.PAGE_READWRITE, sizeHigh, sizeLow, nil)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("pool: CreateFileMapping: %w", err)
	}

	addr0, err := windows.MapViewOfFile(mapObj, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapObj)
		f.Close()
		return nil, false, fmt.Errorf("pool: MapViewOfFile: %w", err)
	}

	return &windowsMappedFile{f: f, mapObj: mapObj, addr0: addr0, size: size}, isReopen, nil
}

func (m *windowsMappedFile) addr() uintptr { return m.addr0 }

func (m *windowsMappedFile) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m.addr0)), int(m.size))
}

func (m *windowsMappedFile) msync(offset, length int) error {
	end := offset + length
	if end > int(m.size) {
		end = int(m.size)
	}
	return windows.FlushViewOfFile(m.addr0+uintptr(offset), uintptr(end-offset))
}

func (m *windowsMappedFile) close() error {
	if err := windows.UnmapViewOfFile(m.addr0); err != nil {
		windows.CloseHandle(m.mapObj)
		m.f.Close()
		return err
	}
	windows.CloseHandle(m.mapObj)
	return m.f.Close()
}
