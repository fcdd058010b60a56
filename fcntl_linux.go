package hxdb

import "golang.org/x/sys/unix"

// Open file description locks belong to the descriptor rather than the
// process, so two handles on one file exclude each other even inside a
// single process, and closing one handle does not drop the other's locks.
const (
	setLock     = unix.F_OFD_SETLK
	setLockWait = unix.F_OFD_SETLKW
)
