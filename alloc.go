package hxdb

import "math/bits"

// Overflow page allocation. A set bit in a map marks an overflow page as
// in use. A put caches at most one page it emptied (l.freed); the page
// stays marked until flushfreed releases it or getfreed reuses it.

// alloc sets or clears the map bit of overflow page pg. Finding the bit
// already in that state means the map is damaged.
func (l *local) alloc(pg uint32, set bool) error {
	return l.setBit(pg, set, true)
}

// mark sets or clears the map bit of pg whatever its state.
func (l *local) mark(pg uint32, set bool) error {
	return l.setBit(pg, set, false)
}

func (l *local) setBit(pg uint32, set, strict bool) error {
	f := l.f
	mpg, bit := f.mapOf(pg)
	release, err := l.lockLeaf(mpg)
	if err != nil {
		return err
	}
	err = l.flipBit(pg, mpg, bit, set, strict)
	if e := release(); err == nil {
		err = e
	}
	return err
}

func (l *local) flipBit(pg, mpg uint32, bit int, set, strict bool) error {
	f := l.f
	pos := int64(mpg)*int64(f.pgsize) + pageHeaderSize + int64(bit>>3)
	var b [1]byte
	if err := l.read(pos, b[:]); err != nil {
		return err
	}
	mask := byte(1) << uint(bit&7)
	f.tracef("alloc pgno=%d set=%v map=%d bit=%d byte=%02x", pg, set, mpg, bit, b[0])
	if set == (b[0]&mask != 0) {
		if strict {
			return l.corrupt("map bit of page %d is already %v", pg, set)
		}
		return nil
	}
	b[0] ^= mask
	return l.write(pos, b[:])
}

func (l *local) getfreed(b *buffer) (bool, error) {
	if l.freed == 0 {
		return false, nil
	}
	if err := l.save(b); err != nil {
		return false, err
	}
	l.fresh(b, l.freed)
	l.freed = 0
	return true, nil
}

// putfreed caches the empty overflow page in b, flushing any page cached
// before it.
func (l *local) putfreed(b *buffer) error {
	f := l.f
	pg := b.pgno
	if l.freed != 0 {
		if err := l.flushfreed(b); err != nil {
			return err
		}
	}
	// The copy on disk still looks like a tail with records in it.
	if f.tail.pgno == pg {
		f.tail = pageInfo{used: f.dsize}
	}
	l.freed = pg
	b.scrub()
	return nil
}

// flushfreed releases the cached page: the page is zeroed on disk, then its
// map bit is cleared. b is used as scratch.
func (l *local) flushfreed(b *buffer) error {
	if l.freed == 0 {
		return nil
	}
	b.scrub()
	l.fresh(b, l.freed)
	if err := l.save(b); err != nil {
		return err
	}
	if err := l.alloc(l.freed, false); err != nil {
		return err
	}
	l.freed = 0
	return nil
}

// findfree allocates the lowest free overflow page below npages into b.
func (l *local) findfree(b *buffer) (bool, error) {
	f := l.f
	for m := uint32(0); m < l.npages; m = f.nextMap(m) {
		pg, err := l.freeIn(b, m)
		if err != nil || pg != 0 {
			return pg != 0, err
		}
	}
	return false, nil
}

// freeIn claims the first free page covered by map page m, or returns 0.
// m stays locked from the search through the claim.
func (l *local) freeIn(b *buffer, m uint32) (pg uint32, err error) {
	f := l.f
	release, err := l.lockLeaf(m)
	if err != nil {
		return 0, err
	}
	defer func() {
		if e := release(); err == nil {
			err = e
		}
	}()
	if err := l.load(b, m); err != nil {
		return 0, err
	}
	d := b.data()
	for ix := b.used; ix < f.dsize; ix++ {
		if d[ix] == 0xFF {
			continue
		}
		n := (ix-b.used)*8 + bits.TrailingZeros8(^d[ix])
		if pg = m + uint32(n)*pageRate; pg >= l.npages {
			return 0, nil
		}
		if err := l.alloc(pg, true); err != nil {
			return 0, err
		}
		l.fresh(b, pg)
		return pg, nil
	}
	return 0, nil
}

// share loads into b the last tail page this handle saved, when it still
// ends a chain and has room for need more bytes. The tail is only a hint:
// another process may have changed the page since.
func (l *local) share(b *buffer, need int) (bool, error) {
	f := l.f
	t := f.tail
	if need == 0 || t.pgno == 0 || t.pgno == l.freed || t.pgno >= l.npages ||
		!f.fits(t.used, t.recs, need, 1) {
		return false, nil
	}
	// Another chain may be walking the tail while holding its head.
	wasLocked := l.islocked(t.pgno)
	switch err := l.trylock(t.pgno); {
	case err == errBusy:
		return false, nil
	case err != nil:
		return false, err
	}
	if err := l.load(b, t.pgno); err != nil {
		return false, err
	}
	f.tracef("share pgno=%d used=%d next=%d need=%d", b.pgno, b.used, b.next, need)
	if b.next != 0 || !f.fits(b.used, b.recs, need, 1) {
		b.scrub()
		if !wasLocked && !f.held() {
			return false, l.unlock(t.pgno, 1)
		}
		return false, nil
	}
	if b.used == 0 {
		if err := l.alloc(b.pgno, true); err != nil {
			return false, err
		}
	}
	return true, nil
}
