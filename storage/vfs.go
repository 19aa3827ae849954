// Package storage implements the durable substrate: the virtual file
// system, the DB header and page codec, the record codec, the WAL, and
// the buffer-pool pager. Everything above this package (catalog,
// rowstore, btree) is a client of it.
package storage

import "github.com/corvusdb/corvus/corvuserr"

// VFS abstracts file I/O so the pager and WAL never touch *os.File
// directly. write must not return success unless the bytes have
// reached the OS; durability is only promised after a successful
// Fsync. Read past end-of-file returns zero bytes without error.
// Truncate extends with zero-filled bytes when growing.
type VFS interface {
	Open(path string, createIfMissing bool) (Handle, error)
	Remove(path string) error
}

// Handle is an open file as seen through a VFS.
type Handle interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	Fsync() error
	Truncate(size int64) error
	Size() (int64, error)
	Close() error
}

func ioErr(op, path string, cause error) error {
	return corvuserr.Wrap(corvuserr.IO, cause, "vfs: %s %s", op, path)
}
