package hxdb

import (
	"io"

	"golang.org/x/sys/unix"
)

// local is the state of one call into the file: directory geometry as of
// the last size check, the key being worked on, page buffers and the
// cross-reference tables used by the maintenance routines. leave releases
// whatever the call acquired.
type local struct {
	f  *File
	op string

	npages uint32
	dpages uint32
	mask   uint32
	hash   uint32
	head   uint32

	mode    int16 // F_RDLCK or F_WRLCK
	mylock  bool
	changed bool
	lenient bool // damaged pages are loaded as they are

	buf   [3]*buffer
	freed uint32 // page emptied by this call, still marked used

	vnext []uint32
	vprev []uint32
	vrefs []int
	visit []uint32

	cleanup []func() error
}

func (f *File) enter(op string, key []byte) (*local, error) {
	if f.file == nil {
		return nil, newError(CodeBadRequest, op)
	}
	if f.pgsize == 0 {
		return nil, badFile(op, "page size unknown")
	}
	l := &local{f: f, op: op, mode: unix.F_RDLCK}
	if f.mode&ModeUpdate != 0 {
		l.mode = unix.F_WRLCK
	}
	if key != nil {
		if f.codec == nil {
			return nil, newError(CodeBadRequest, op)
		}
		l.hash = f.codec.Hash(key)
	}
	if f.mm != nil && f.mode&ModeMprotect != 0 {
		if err := mprotect(f.mm, f.mode&ModeUpdate != 0, true); err != nil {
			return nil, l.fail(CodeMmap, err)
		}
	}
	for i := range l.buf {
		l.buf[i] = newBuffer(f.pgsize)
	}
	return l, nil
}

// leave runs on every exit of a call. It keeps the first error.
func (l *local) leave(errp *error) {
	f := l.f
	var err error
	if f.hold == 0 && l.mylock {
		err = l.unlock(0, 0)
	}
	if f.mm != nil && f.mode&ModeMprotect != 0 && !f.held() {
		if e := mprotect(f.mm, false, false); e != nil && err == nil {
			err = l.fail(CodeMmap, e)
		}
	}
	if l.changed && f.mode&ModeFsync != 0 && *errp == nil && err == nil {
		if e := f.file.Sync(); e != nil {
			err = l.fail(CodeFsync, e)
		}
	}
	for i := len(l.cleanup) - 1; i >= 0; i-- {
		if e := l.cleanup[i](); e != nil {
			f.log.Warnf("%s: cleanup error: %s", l.op, e)
		}
	}
	if *errp == nil {
		*errp = err
	}
	if *errp != nil {
		f.log.WithError(*errp).Debugf("%s failed", l.op)
	}
}

func (l *local) fail(code Code, err error) error {
	return wrapError(code, l.op, err)
}

func (l *local) corrupt(format string, args ...interface{}) error {
	return badFile(l.op, format, args...)
}

func (l *local) setPages(n uint32) {
	l.npages = n
	l.dpages = f2d(n)
	l.mask = maskOf(l.dpages)
}

// size refreshes the directory geometry from the file length.
func (l *local) size() error {
	size, err := l.f.file.Seek(0, io.SeekEnd)
	if err != nil {
		return l.fail(CodeLseek, err)
	}
	pgsize := int64(l.f.pgsize)
	if size%pgsize != 0 || size/pgsize < 2 {
		return l.corrupt("file size %d does not hold a whole number of pages", size)
	}
	if old := l.npages; old != 0 && old != uint32(size/pgsize) {
		l.f.tracef("npages changes: %d to %d", old, size/pgsize)
	}
	l.setPages(uint32(size / pgsize))
	return nil
}

// resize extends or truncates the file to n pages.
func (l *local) resize(n uint32) error {
	f := l.f
	if err := f.file.Truncate(int64(n) * int64(f.pgsize)); err != nil {
		return l.fail(CodeFtruncate, err)
	}
	l.changed = true
	l.setPages(n)
	if err := l.point(); err != nil {
		return err
	}
	return l.remap()
}

// point computes the head of the current key. This is the first place the
// head is known, so a hold on some other head is cancelled here.
func (l *local) point() error {
	f := l.f
	head := headOf(l.hash, l.dpages, l.mask)
	if f.hold != 0 && f.hold != head && !f.held() {
		if err := l.unlock(0, 0); err != nil {
			return err
		}
		f.hold = 0
	}
	l.head = head
	return nil
}

// remap keeps the mapping of ModeMmap the size of the file.
func (l *local) remap() error {
	f := l.f
	if f.mode&ModeMmap == 0 {
		return nil
	}
	want := int(l.npages) * f.pgsize
	writable := f.mode&ModeUpdate != 0
	if len(f.mm) == want {
		if f.mode&ModeMprotect != 0 {
			if err := mprotect(f.mm, writable, true); err != nil {
				return l.fail(CodeMmap, err)
			}
		}
		return nil
	}
	if f.mm != nil {
		if err := f.mm.Unmap(); err != nil {
			return l.fail(CodeMmap, err)
		}
		f.mm = nil
	}
	m, err := mmapFile(f.file, want, writable)
	if err != nil {
		return l.fail(CodeMmap, err)
	}
	f.log.Debugf("mmap %d bytes", want)
	f.mm = m
	return nil
}

func (l *local) mapped(end int64) (bool, error) {
	f := l.f
	if f.mode&ModeMmap == 0 {
		return false, nil
	}
	if int64(len(f.mm)) < end {
		if err := l.remap(); err != nil {
			return false, err
		}
		if int64(len(f.mm)) < end {
			return false, l.corrupt("offset %d beyond end of file", end)
		}
	}
	return true, nil
}

func (l *local) read(pos int64, p []byte) error {
	f := l.f
	if ok, err := l.mapped(pos + int64(len(p))); err != nil {
		return err
	} else if ok {
		copy(p, f.mm[pos:])
		return nil
	}
	if _, err := f.file.ReadAt(p, pos); err != nil {
		return l.fail(CodeRead, err)
	}
	return nil
}

func (l *local) write(pos int64, p []byte) error {
	f := l.f
	l.changed = true
	if ok, err := l.mapped(pos + int64(len(p))); err != nil {
		return err
	} else if ok {
		copy(f.mm[pos:], p)
		return nil
	}
	if _, err := f.ops.writeAt(p, pos); err != nil {
		return l.fail(CodeWrite, err)
	}
	return nil
}

// load reads page pgno into b. Overflow and map pages are locked first;
// head pages are covered by lockset.
func (l *local) load(b *buffer, pgno uint32) error {
	f := l.f
	if !isHead(pgno) {
		if err := l.lock(pgno, 1); err != nil {
			return err
		}
	}
	if err := l.read(int64(pgno)*int64(f.pgsize), b.page); err != nil {
		return err
	}
	b.pgno = pgno
	b.decode(f.dsize)
	f.tracef("load pgno=%d next=%d used=%d recs=%d", pgno, b.next, b.used, b.recs)

	if f.mode&ModeRecover == 0 && !l.lenient && !f.sane(b) {
		return l.corrupt("page %d: bad header next=%d used=%d", pgno, b.next, b.used)
	}
	return nil
}

// sane reports whether a page header can be trusted by the update paths.
func (f *File) sane(b *buffer) bool {
	switch {
	case b.used > f.dsize:
		return false
	case b.pgno != 0 && b.next != 0 && b.used == 0:
		return false
	case b.pgno != 0 && isHead(b.next):
		return false
	case f.isMap(b.pgno) && (b.used >= f.dsize || b.data()[b.used]&1 == 0):
		return false
	}
	return true
}

// save writes a dirty buffer back, rebuilding its index, and remembers
// an overflow page with no successor as the tail to share.
func (l *local) save(b *buffer) error {
	if !b.dirty() {
		return nil
	}
	f := l.f
	f.tracef("save pgno=%d next=%d used=%d recs=%d orig=%d tail=%d",
		b.pgno, b.next, b.used, b.recs, b.orig, f.tail.pgno)
	b.encode()
	if !f.isMap(b.pgno) {
		f.reindex(b, l.lenient)
	}
	if err := l.write(int64(b.pgno)*int64(f.pgsize), b.page); err != nil {
		return err
	}
	b.scrub()

	if isHead(b.pgno) || f.isMap(b.pgno) {
		return nil
	}
	if f.tail.pgno == b.pgno {
		if b.next != 0 {
			f.tail.used = f.dsize // no longer a tail
		} else {
			f.tail = pageInfo{b.pgno, b.used, b.recs}
		}
	} else if b.next == 0 && f.tail.used >= b.used {
		f.tail = pageInfo{b.pgno, b.used, b.recs}
	}
	return nil
}

// writeLink rewrites the next field of page pg in place. Only the checker
// uses it, for pages it does not hold in a buffer.
func (l *local) writeLink(pg, next uint32) error {
	var p [4]byte
	putU32(p[:], 0, next)
	l.f.tracef("link pgno=%d next=%d", pg, next)
	return l.write(int64(pg)*int64(l.f.pgsize), p[:])
}

// fresh turns b into an empty page pgno; see buffer.fresh.
func (l *local) fresh(b *buffer, pgno uint32) {
	l.f.tracef("fresh pgno=%d", pgno)
	b.fresh(pgno)
}
