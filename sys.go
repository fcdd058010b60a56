package hxdb

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fcntlLock sets a byte-range lock of type typ (F_RDLCK, F_WRLCK or
// F_UNLCK) over [start, start+length). A length of 0 extends the range to
// infinity. Without wait, a conflicting lock fails with EAGAIN or EACCES.
func fcntlLock(fd uintptr, typ int16, start, length int64, wait bool) error {
	lock := &unix.Flock_t{
		Type:   typ,
		Whence: 0,
		Start:  start,
		Len:    length,
	}
	cmd := setLockWait
	if typ == unix.F_UNLCK || !wait {
		cmd = setLock
	}
	for {
		err := unix.FcntlFlock(fd, cmd, lock)
		if err != unix.EINTR {
			return err
		}
	}
}

// mmap maps the first sz bytes of file, read-write when writable.
func mmapFile(file *os.File, sz int, writable bool) (mmap.MMap, error) {
	prot := mmap.RDONLY
	if writable {
		prot = mmap.RDWR
	}
	m, err := mmap.MapRegion(file, sz, prot, 0, 0)
	if err != nil {
		return nil, err
	}
	// Advise the kernel that the mmap is accessed randomly.
	if err := madvise(m, unix.MADV_RANDOM); err != nil {
		_ = m.Unmap()
		return nil, errors.Wrap(err, "madvise error")
	}
	return m, nil
}

func madvise(b []byte, advice int) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, advice)
}

// mprotect changes the protection of a whole mapping.
func mprotect(b []byte, writable, readable bool) error {
	prot := unix.PROT_NONE
	if readable {
		prot = unix.PROT_READ
		if writable {
			prot |= unix.PROT_WRITE
		}
	}
	return unix.Mprotect(b, prot)
}
