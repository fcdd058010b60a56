package hxdb

// Put stores rec, replacing the record with the same key if there is one.
// It returns the length of the replaced record, or 0 when rec is new.
//
// While a Next scan is open, rec must have the key of the record Next
// returned last, and may only be replaced in place.
func (f *File) Put(rec []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(rec) == 0 {
		return 0, newError(CodeBadRequest, "put")
	}
	return f.put("put", rec, len(rec))
}

// Delete removes the record with the key of key and returns its length,
// or 0 when there was none.
func (f *File) Delete(key []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == nil {
		return 0, newError(CodeBadRequest, "delete")
	}
	return f.put("delete", key, 0)
}

// put walks the key's chain once: it removes or replaces the old record,
// inserts the new one where it first fits, and compacts the pages it
// passes by pulling the head's records towards the start of the chain.
// Emptied overflow pages are unlinked and freed. When the chain has no
// room, a page is found (shared tail, freed page, free map bit) or the
// file grows, and the page is linked in right after the head.
func (f *File) put(op string, rec []byte, leng int) (ret int, err error) {
	l, err := f.enter(op, rec)
	if err != nil {
		return 0, err
	}
	defer l.leave(&err)

	switch {
	case f.mode&ModeUpdate == 0, leng > f.MaxRec():
		return 0, newError(CodeBadRequest, op)
	case leng > 0 && !f.codec.Test(rec):
		return 0, newError(CodeBadRecord, op)
	case f.scanning() && (f.currec() == nil || f.codec.Diff(rec, f.currec())):
		return 0, newError(CodeBadRequest, op)
	}

	part := lockHead
	if leng > 0 {
		part = lockHigh
	}
	if err = l.lockset(part); err != nil {
		return 0, err
	}
	if err = l.remap(); err != nil {
		return 0, err
	}

	var (
		mayFind = true
		loops   = MaxChain
		newsize = 0
		currp   = l.buf[0]
		prevp   = l.buf[1]
	)
	if leng > 0 {
		newsize = leng + recHeaderSize
	}

	// An overflow page being scanned cannot be emptied without its
	// predecessor, so a delete during a scan starts at the head.
	start := l.head
	if f.scanning() && (leng > 0 || isHead(f.scan.pgno)) {
		start = f.scan.pgno
	}
	if err = l.load(currp, start); err != nil {
		return 0, err
	}

	for {
		nextpg := currp.next
		if loops--; loops == 0 {
			return 0, l.corrupt("chain from %d longer than %d pages", l.head, MaxChain)
		}

		pos := -1
		switch {
		case !mayFind:
		case !f.scanning():
			pos, _ = f.find(currp, l.hash, rec)
		case currp.pgno == f.scan.pgno:
			pos = f.currpos
		}

		if pos >= 0 {
			d := currp.data()
			oldsize := recSize(d, pos)
			delta := newsize - oldsize
			ret, mayFind = recLen(d, pos), false

			switch {
			case newsize == 0:
				currp.remove(pos, oldsize)
				currp.recs--
				if f.scanning() {
					f.recsize = 0
				}
			case f.fits(currp.used, currp.recs, delta, 0):
				if delta != 0 {
					copy(d[pos+newsize:], d[pos+oldsize:currp.used])
					currp.used += delta
					putU16(d, pos+4, leng)
					if f.scanning() {
						f.recsize = newsize
					}
					currp.adjust(pos, delta)
				}
				copy(d[pos+recHeaderSize:], rec[:leng])
				currp.stain()
				newsize = 0
			case f.scanning():
				// Moving the record elsewhere could relink or grow
				// the chain under the scan.
				return 0, newError(CodeBadRequest, op)
			default:
				currp.remove(pos, oldsize)
				currp.recs--
			}
		}

		skip := false
		if currp.used > 0 && !isHead(currp.pgno) && prevp.shrunk() {
			filled, err := l.shift(l.head, 0, currp, prevp, nil)
			if err != nil {
				return 0, err
			}
			skip = filled == 0
		}

		if newsize > 0 && f.fits(currp.used, currp.recs, newsize, 1) {
			currp.appendRec(l.hash, rec[:leng])
			newsize = 0
		}

		// A non-head page left with only other heads' records must be a
		// shared tail: unlink it from this chain. An empty one is freed.
		switch {
		case isHead(currp.pgno):
			skip = false
		case currp.used == 0:
			skip = true
			if f.scanning() && f.scan.pgno == currp.pgno {
				f.scan.used = 0
			}
			if err = l.putfreed(currp); err != nil {
				return 0, err
			}
		case currp.next != 0 || !currp.shrunk():
			skip = false
		case !skip:
			skip = !l.holdsHead(currp)
		}
		if skip {
			prevp.link(nextpg)
		} else {
			currp, prevp = prevp, currp
		}
		if err = l.syncSave(currp); err != nil {
			return 0, err
		}

		if newsize == 0 && (prevp.next == 0 || !mayFind && !prevp.shrunk()) {
			break
		}
		if prevp.next != 0 {
			if err = l.load(currp, prevp.next); err != nil {
				return 0, err
			}
			continue
		}

		// End of the chain and the record is not in yet. Whatever was
		// freed on the way goes back first; the overflow pages are let go
		// so that allocation can take its locks in order.
		if err = l.syncSave(prevp); err != nil {
			return 0, err
		}
		if err = l.flushfreed(currp); err != nil {
			return 0, err
		}
		if err = l.dropPages(); err != nil {
			return 0, err
		}
		mayFind = false
		var samehead uint32
		err = l.lockGrow()
		if err == nil {
			err = l.remap()
		}
		if err == nil {
			samehead = l.head
			err = l.alloc1(currp, prevp, newsize, &samehead)
		}
		if err == errBusy || (err == nil && samehead == 0) {
			// Busy: retry from scratch, when another handle may have
			// stored the key. Split: the key's head has moved.
			mayFind = err == errBusy && !f.scanning()
			if err = l.restart(currp); err != nil {
				return 0, err
			}
			loops = MaxChain
			continue
		}
		if err != nil {
			return 0, err
		}

		// grow may have rewritten the head; link the new page in after
		// a fresh copy of it.
		if err = l.save(prevp); err != nil {
			return 0, err
		}
		if err = l.load(prevp, l.head); err != nil {
			return 0, err
		}
		currp.link(prevp.next)
		prevp.link(currp.pgno)
		currp.orig = f.dsize
		loops = MaxChain
	}

	if err = l.syncSave(prevp); err != nil {
		return 0, err
	}
	if err = l.flushfreed(currp); err != nil {
		return 0, err
	}
	if f.hold == l.head {
		f.hold, l.mylock = 0, true
	}
	return ret, nil
}

// alloc1 finds the page a chain ending in prevp gets next: the shared tail
// when prevp is the head, a page freed earlier, a free map slot, or a page
// the file grows by. *samehead is zeroed when growing split the chain.
func (l *local) alloc1(b, prevp *buffer, newsize int, samehead *uint32) error {
	need := 0
	if isHead(prevp.pgno) {
		need = newsize
	}
	ok, err := l.share(b, need)
	if err == nil && !ok {
		ok, err = l.getfreed(b)
	}
	if err == nil && !ok {
		ok, err = l.findfree(b)
	}
	if err != nil || ok {
		return err
	}
	if err := l.grow(b, need, samehead, 0); err != nil {
		return err
	}
	if *samehead == 0 {
		return l.putfreed(b)
	}
	return nil
}

// restart gives up the key's locks and takes them again from nothing,
// then reloads the head into b. Everything on disk is consistent at
// this point.
func (l *local) restart(b *buffer) error {
	f := l.f
	if err := l.flushfreed(b); err != nil {
		return err
	}
	if f.held() {
		if err := l.point(); err != nil {
			return err
		}
	} else {
		if err := l.unlock(0, 0); err != nil {
			return err
		}
		f.hold = 0
		if err := l.lockset(lockBoth); err != nil {
			return err
		}
	}
	if err := l.remap(); err != nil {
		return err
	}
	return l.load(b, l.head)
}

// holdsHead reports whether b has a record of the key's head.
func (l *local) holdsHead(b *buffer) bool {
	found := false
	d := b.data()
	b.each(func(off, _ int) bool {
		found = headOf(recHash(d, off), l.dpages, l.mask) == l.head
		return !found
	})
	return found
}

// syncSave saves b, first copying it into the scan buffer when b is the
// page being scanned, so the scan sees the update.
func (l *local) syncSave(b *buffer) error {
	if !b.dirty() {
		return nil
	}
	f := l.f
	if s := f.scan; s != nil && s.pgno == b.pgno && b.used >= f.currpos {
		s.next, s.used = b.next, b.used
		copy(s.data()[f.currpos:], b.data()[f.currpos:b.used])
	}
	return l.save(b)
}
