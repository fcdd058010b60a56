package hxdb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Lock order. Head pages are taken in descending page order and before
// anything else; then the region beyond the end of the file, which
// serializes allocation; then overflow pages. Map pages are leaves: each
// is held only while one bit or one search is done. A lock that cannot be
// taken in order is only tried, and errBusy sends the call back to start
// over with nothing held.
var errBusy = errors.New("page lock busy")

// lockPart is how much of a key's neighbourhood lockset has locked.
type lockPart int

const (
	lockNone lockPart = iota
	lockHead          // head page only: get, delete
	lockHigh          // head, plus the split targets when one lies above it: hold, put
	lockBoth          // head and every split target: put that must grow the file
)

var partNames = [...]string{"none", "head", "high", "both"}

func (p lockPart) String() string { return partNames[p] }

func (f *File) findLock(pg uint32) int {
	for i, p := range f.lockv {
		if p == pg {
			return i
		}
	}
	return -1
}

func (f *File) addLock(pg uint32) {
	if f.findLock(pg) < 0 {
		f.lockv = append(f.lockv, pg)
	}
}

// lockString formats the lock state for diagnostics: R, B and X flag the
// root, body and beyond-end locks, followed by the list of pages.
func (f *File) lockString() string {
	var sb strings.Builder
	for _, x := range []struct {
		flag uint8
		c    byte
	}{{lockedRoot, 'R'}, {lockedBody, 'B'}, {lockedBeyond, 'X'}} {
		if Has(f.locked, x.flag) {
			sb.WriteByte(x.c)
		} else {
			sb.WriteByte('-')
		}
	}
	fmt.Fprintf(&sb, "%v", f.lockv)
	return sb.String()
}

func (l *local) islocked(pg uint32) bool {
	f := l.f
	switch {
	case pg == 0:
		return Has(f.locked, lockedRoot)
	case pg >= l.npages:
		return Has(f.locked, lockedBeyond)
	}
	return Has(f.locked, lockedBody) || f.findLock(pg) >= 0
}

// lock locks count pages from pgno. A count of 0 locks to the end of the
// file and beyond: from page 0 or 1 that is the whole file, from npages
// it is the region the file grows into.
func (l *local) lock(pgno, count uint32) error {
	f := l.f
	if pgno == 0 && count == 0 {
		if Has(f.locked, lockedRoot) {
			pgno = 1
		}
		if Has(f.locked, lockedBody) {
			count = 1
		}
		if pgno != 0 && count != 0 {
			return nil
		}
	}
	switch {
	case pgno == 0 && count == 1 && Has(f.locked, lockedRoot),
		pgno == 1 && count == 0 && Has(f.locked, lockedBody),
		pgno >= l.npages && Has(f.locked, lockedBeyond),
		pgno != 0 && count != 0 && Has(f.locked, lockedBody):
		return nil
	}
	if count != 0 {
		for count != 0 && l.islocked(pgno) {
			pgno++
			count--
		}
		if count == 0 {
			return nil
		}
	}

	l.mylock = true
	if err := l.fcntl(l.mode, pgno, count); err != nil {
		return err
	}
	if count == 0 {
		if pgno < 2 {
			f.locked = Set(f.locked, lockedBody)
		} else {
			f.locked = Set(f.locked, lockedBeyond)
		}
	}
	if pgno == 0 {
		f.locked = Set(f.locked, lockedRoot)
	} else {
		for ; count != 0; count-- {
			f.addLock(pgno)
			pgno++
		}
	}
	f.tracef("lock > %s", f.lockString())
	return nil
}

// lockFile locks the whole file. An outstanding hold is given up first:
// the whole file is not taken in page order.
func (l *local) lockFile() error {
	f := l.f
	if f.hold != 0 && !f.held() {
		if err := l.unlock(0, 0); err != nil {
			return err
		}
		f.hold = 0
	}
	return l.lock(0, 0)
}

// unlock releases count pages from start; a count of 0 releases
// everything from start on and forgets the lock posture.
func (l *local) unlock(start, count uint32) error {
	f := l.f
	if count == 0 {
		f.lockpart = lockNone
	}
	if count == 0 || !f.held() {
		if err := l.fcntl(unix.F_UNLCK, start, count); err != nil {
			return err
		}
	}
	if start == 0 {
		f.locked = Clear(f.locked, lockedRoot)
	}
	if count == 0 {
		f.locked = Clear(f.locked, lockedBody|lockedBeyond)
	}
	v := f.lockv[:0]
	for _, pg := range f.lockv {
		if pg < start || (count != 0 && pg-start >= count) {
			v = append(v, pg)
		}
	}
	f.lockv = v
	f.tracef("unlock > %s", f.lockString())
	return nil
}

// trylock locks page pg unless another handle holds it, which is
// reported as errBusy.
func (l *local) trylock(pg uint32) error {
	f := l.f
	if l.islocked(pg) {
		return nil
	}
	l.mylock = true
	pgsize := int64(f.pgsize)
	err := fcntlLock(f.file.Fd(), l.mode, int64(pg)*pgsize, pgsize, false)
	if err == unix.EAGAIN || err == unix.EACCES {
		f.tracef("busy pgno=%d locks=%s", pg, f.lockString())
		return errBusy
	}
	if err != nil {
		return l.fail(CodeLock, err)
	}
	f.addLock(pg)
	return nil
}

// lockHeadPage locks head page pg, waiting only when that keeps the
// order: nothing held but heads above pg.
func (l *local) lockHeadPage(pg uint32) error {
	f := l.f
	if l.islocked(pg) {
		return nil
	}
	if Has(f.locked, lockedRoot|lockedBeyond) {
		return l.trylock(pg)
	}
	for _, x := range f.lockv {
		if x <= pg || !isHead(x) {
			return l.trylock(pg)
		}
	}
	return l.lock(pg, 1)
}

// lockLeaf locks map page pg for the caller's next few accesses. The
// returned func releases it unless it was held before.
func (l *local) lockLeaf(pg uint32) (func() error, error) {
	if l.islocked(pg) {
		return func() error { return nil }, nil
	}
	if err := l.lock(pg, 1); err != nil {
		return nil, err
	}
	return func() error { return l.unlock(pg, 1) }, nil
}

// lockGrow takes what an allocation needs: the key's head and all split
// targets, then the region beyond the end of the file. A file that grew
// meanwhile has new split targets, so the region is given up and the
// whole is retried.
func (l *local) lockGrow() error {
	f := l.f
	for {
		if err := l.lockset(lockBoth); err != nil {
			return err
		}
		if f.held() || Has(f.locked, lockedBody|lockedBeyond) {
			return nil
		}
		n := l.npages
		if err := l.lock(n, 0); err != nil {
			return err
		}
		if err := l.size(); err != nil {
			return err
		}
		if l.npages == n {
			return l.point()
		}
		if err := l.unlock(n, 0); err != nil {
			return err
		}
	}
}

// dropPages releases the overflow pages locked on the way down a chain,
// keeping the heads. Nothing may be left unsaved in a buffer.
func (l *local) dropPages() error {
	f := l.f
	if f.held() || Has(f.locked, lockedBody|lockedBeyond) {
		return nil
	}
	for _, pg := range append([]uint32(nil), f.lockv...) {
		if isHead(pg) {
			continue
		}
		if err := l.unlock(pg, 1); err != nil {
			return err
		}
	}
	return nil
}

func (l *local) fcntl(typ int16, pgno, count uint32) error {
	f := l.f
	pgsize := int64(f.pgsize)
	if err := fcntlLock(f.file.Fd(), typ, int64(pgno)*pgsize, int64(count)*pgsize, true); err != nil {
		f.log.WithField("locks", f.lockString()).
			Debugf("lock error: start=%d count=%d type=%d: %s", pgno, count, typ, err)
		return l.fail(CodeLock, err)
	}
	return nil
}

// lockset locks the pages a key's operation needs. The head and split
// targets depend on the file size, which can change until the locks are
// granted, so it repeats until a pass sees the same size as the last.
func (l *local) lockset(part lockPart) error {
	f := l.f
	if f.lockpart >= part || f.held() {
		if err := l.size(); err != nil {
			return err
		}
		if err := l.point(); err != nil {
			return err
		}
		// point drops a hold on another head along with its locks.
		if f.lockpart >= part || f.held() {
			return nil
		}
	}
	if l.npages < 2*pageRate {
		if err := l.size(); err != nil {
			return err
		}
		if err := l.point(); err != nil {
			return err
		}
	}
	if l.npages < 2*pageRate {
		if err := l.lock(0, 0); err != nil {
			return err
		}
		f.lockpart = lockBoth
		if err := l.size(); err != nil {
			return err
		}
		return l.point()
	}

	var got []uint32
	var oldsize uint32
	for {
		if err := l.size(); err != nil {
			return err
		}
		if err := l.point(); err != nil {
			return err
		}
		if oldsize == l.npages {
			f.lockpart = part
			return nil
		}
		oldsize = l.npages
		for _, pg := range got {
			if err := l.unlock(pg, 1); err != nil {
				return err
			}
		}
		got = got[:0]

		pgv := []uint32{l.head}
		if part != lockHead {
			pgv = append(pgv, f.splitTargets(l.npages)...)
			sort.Slice(pgv, func(i, j int) bool { return pgv[i] > pgv[j] })
			pgv = dedup(pgv)
		}
		// Head above every split target: the head alone guards the key.
		if part == lockHigh && pgv[0] == l.head {
			pgv = pgv[:1]
		}
		for _, pg := range pgv {
			if l.islocked(pg) {
				continue
			}
			if err := l.lockHeadPage(pg); err != nil {
				return err
			}
			got = append(got, pg)
		}
	}
}

// dedup drops repeats from a sorted slice.
func dedup(v []uint32) []uint32 {
	if len(v) == 0 {
		return v
	}
	out := v[:1]
	for _, x := range v[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
