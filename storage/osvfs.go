package storage

import (
	"io"
	"os"
	"sync"
)

// OSVFS is the local-file VFS implementation. It is the only backend
// required by spec; every other VFS (MemVFS, FaultVFS) exists for
// tests.
type OSVFS struct{}

// NewOSVFS returns the local-file VFS.
func NewOSVFS() *OSVFS { return &OSVFS{} }

func (OSVFS) Open(path string, createIfMissing bool) (Handle, error) {
	flags := os.O_RDWR
	if createIfMissing {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	lock, err := lockFile(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &osHandle{file: f, path: path, lock: lock}, nil
}

func (OSVFS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ioErr("remove", path, err)
	}
	return nil
}

type osHandle struct {
	mu   sync.Mutex
	file *os.File
	path string
	lock *fileLock
}

func (h *osHandle) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := h.file.ReadAt(buf, offset)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, ioErr("read", h.path, err)
	}
	return n, nil
}

func (h *osHandle) WriteAt(buf []byte, offset int64) (int, error) {
	n, err := h.file.WriteAt(buf, offset)
	if err != nil {
		return n, ioErr("write", h.path, err)
	}
	return n, nil
}

func (h *osHandle) Fsync() error {
	if err := h.file.Sync(); err != nil {
		return ioErr("fsync", h.path, err)
	}
	return nil
}

func (h *osHandle) Truncate(size int64) error {
	if err := h.file.Truncate(size); err != nil {
		return ioErr("truncate", h.path, err)
	}
	return nil
}

func (h *osHandle) Size() (int64, error) {
	info, err := h.file.Stat()
	if err != nil {
		return 0, ioErr("stat", h.path, err)
	}
	return info.Size(), nil
}

func (h *osHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.file.Close()
	if h.lock != nil {
		h.lock.unlock()
	}
	if err != nil {
		return ioErr("close", h.path, err)
	}
	return nil
}

// fileLock is an OS-level advisory lock preventing two processes from
// opening the same database file concurrently. The locking syscall
// itself is platform-specific; see filelock_unix.go / filelock_other.go.
type fileLock struct {
	file *os.File
}

func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, ioErr("lock-open", lockPath, err)
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		return nil, ioErr("lock", lockPath, err)
	}
	return &fileLock{file: f}, nil
}

func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	flockRelease(fl.file)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
