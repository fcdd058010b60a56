// +build !linux

package hxdb

import "golang.org/x/sys/unix"

// Classic POSIX record locks: owned by the process, so handles opened by
// one process do not exclude each other.
const (
	setLock     = unix.F_SETLK
	setLockWait = unix.F_SETLKW
)
