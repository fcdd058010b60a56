package hxdb

// grow extends the file by one page at a time, splitting one chain for
// each head page added, until a page with room for need bytes is
// available in retp: a new overflow slot, a page freed by a split, or the
// shared tail. When the chain being split is *head's, *head is zeroed to
// tell the caller to restart from the recomputed head.
//
// A split can need one more overflow page than it frees; grow then calls
// itself. depth bounds that recursion.
func (l *local) grow(retp *buffer, need int, head *uint32, depth int) error {
	f := l.f
	if depth > MaxChain {
		return l.corrupt("split recursion deeper than %d", MaxChain)
	}
	newp, oldp, bufp := l.buf[0], l.buf[1], l.buf[2]
	for _, b := range []*buffer{oldp, newp, bufp} {
		if err := l.save(b); err != nil {
			return err
		}
	}

	for {
		newpg := l.npages
		mappg := f.isMap(newpg)
		if mappg {
			// the page after a map is always a head
			newpg++
		}
		if !isHead(newpg) {
			// The bit is set before the page exists, so no search of the
			// map can take the new slot.
			f.tracef("grow ovfl pgno=%d", newpg)
			if err := l.alloc(newpg, true); err != nil {
				return err
			}
			if err := l.resize(newpg + 1); err != nil {
				return err
			}
			l.keepGrown(newpg)
			l.fresh(retp, newpg)
			return nil
		}

		oldpg := splitOf(newpg)
		if err := l.lockHeadPage(oldpg); err != nil {
			return err
		}
		if err := l.resize(newpg + 1); err != nil {
			return err
		}
		if mappg {
			f.log.Debugf("grow: map page %d", newpg-1)
			l.keepGrown(newpg - 1)
			if err := l.alloc(newpg-1, true); err != nil {
				return err
			}
		}
		if *head == oldpg {
			*head, need = 0, 0
		}
		f.tracef("split %d into %d", oldpg, newpg)

		if err := l.load(oldp, oldpg); err != nil {
			return err
		}
		l.fresh(newp, newpg)
		l.keepGrown(newpg)

		newp.link(oldp.next)
		if _, err := l.shift(newpg, 0, oldp, newp, nil); err != nil {
			return err
		}

		for loops := MaxChain; oldp.next != 0; {
			if loops--; loops == 0 {
				return l.corrupt("chain from %d longer than %d pages", oldpg, MaxChain)
			}
			if bufp.used != 0 {
				if err := l.save(bufp); err != nil {
					return err
				}
			} else {
				bufp.scrub()
			}
			if err := l.load(bufp, oldp.next); err != nil {
				return err
			}

			filled, err := l.shift(oldpg, newpg, bufp, oldp, newp)
			if err != nil {
				return err
			}
			switch filled {
			case 0:
				oldp.link(bufp.next)
				newp.link(bufp.next)
				if bufp.used == 0 {
					if err := l.putfreed(bufp); err != nil {
						return err
					}
				}
			case 1:
				newp.link(bufp.next)
				oldp, bufp = bufp, oldp
			case 2:
				oldp.link(bufp.next)
				newp, bufp = bufp, newp
			case 3:
				oldp, bufp = bufp, oldp
				if oldp.next == 0 {
					break
				}
				ok, err := l.getfreed(bufp)
				if err != nil {
					return err
				}
				if !ok {
					// The nested split reuses all three buffers; only
					// bufp comes back holding a page.
					opg, npg := oldp.pgno, newp.pgno
					if err := l.grow(bufp, 0, head, depth+1); err != nil {
						return err
					}
					if err := l.load(oldp, opg); err != nil {
						return err
					}
					if err := l.load(newp, npg); err != nil {
						return err
					}
				}
				newp.link(bufp.pgno)
				newp, bufp = bufp, newp
				newp.link(oldp.next)
				if _, err := l.shift(newpg, 0, oldp, newp, nil); err != nil {
					return err
				}
			}
		}

		if oldp.next != 0 && !f.held() && !isHead(oldp.next) {
			if err := l.unlock(oldp.next, 1); err != nil {
				return err
			}
		}
		for _, b := range []*buffer{oldp, newp, bufp} {
			if err := l.save(b); err != nil {
				return err
			}
		}
		if ok, err := l.share(retp, need); err != nil || ok {
			return err
		}
		if ok, err := l.getfreed(retp); err != nil || ok {
			return err
		}
	}
}

// keepGrown adds a page the file just grew by to the page locks, as the
// beyond-end lock no longer covers it.
func (l *local) keepGrown(pg uint32) {
	f := l.f
	if Has(f.locked, lockedBeyond) && !Has(f.locked, lockedBody) {
		f.addLock(pg)
	}
}

// shift moves records out of src: those whose head is lo go to lower,
// those whose head is hi go to upper, while they fit. Everything else stays
// in src, packed. The result has bit 0 set when a record for lower did not
// fit and bit 1 for upper. upper may be nil when hi is 0.
func (l *local) shift(lo, hi uint32, src, lower, upper *buffer) (int, error) {
	f := l.f
	d := src.data()
	end := src.used
	src.used, src.recs = 0, 0
	filled := 0

	for off := 0; off < end; {
		size := recAt(d, off, end)
		if size == 0 {
			return 0, l.corrupt("page %d: bad record at offset %d", src.pgno, off)
		}
		whither, dst := 0, src
		switch test := headOf(recHash(d, off), l.dpages, l.mask); {
		case test == hi && upper != nil:
			whither, dst = 2, upper
		case test == lo:
			whither, dst = 1, lower
		}
		if dst != src && !f.fits(dst.used, dst.recs, size, 1) {
			filled |= whither
			dst = src
		}
		if dst != src || off != src.used {
			copy(dst.data()[dst.used:], d[off:off+size])
			dst.deindex()
		}
		dst.used += size
		dst.recs++
		off += size
	}
	if src.shrunk() {
		src.deindex()
	}
	return filled, nil
}
