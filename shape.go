package hxdb

import "sort"

// Shape resizes the directory so that a lookup for a missing key reads
// about 1+overload pages on average. It first merges tail pages that fit
// together. Then it either grows the file one head at a time, or shrinks
// it from the end: trailing overflow pages move to free slots lower down,
// and a trailing head's records are put back into the chain it was split
// from. Shrinking stops early when no free slot is left below the end or
// a merge would make a chain too long.
func (f *File) Shape(overload float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if overload < 0 {
		return newError(CodeBadRequest, "shape")
	}
	return f.shape("shape", overload)
}

// Pack shrinks the file as far as Shape can.
func (f *File) Pack() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shape("pack", 9e9)
}

type shaper struct {
	*local
	slots []pageInfo // header of each overflow slot; pgno holds next
	retp  *buffer
}

func (f *File) shape(op string, overload float64) (err error) {
	if f.file != nil && (f.mode&ModeUpdate == 0 || f.mode&ModeMmap != 0 || f.scanning() || f.hold != 0) {
		return newError(CodeBadRequest, op)
	}
	l, err := f.enter(op, nil)
	if err != nil {
		return err
	}
	defer l.leave(&err)
	if f.codec == nil {
		return newError(CodeBadRequest, op)
	}
	if err = l.lock(0, 0); err != nil {
		return err
	}
	if err = l.size(); err != nil {
		return err
	}
	f.holdFile()
	defer func() { f.hold = 0 }()

	s := &shaper{local: l, retp: newBuffer(f.pgsize)}
	if err = s.scanRefs(); err != nil {
		return err
	}
	if err = s.mergeTails(); err != nil {
		return err
	}

	var overflows uint32
	for pg := uint32(1); pg < l.npages; pg++ {
		if !isHead(pg) {
			continue
		}
		loops := MaxChain
		for pm := l.vnext[pg]; pm != 0; pm = l.vnext[pm] {
			if loops--; loops == 0 {
				return l.corrupt("chain from %d longer than %d pages", pg, MaxChain)
			}
			overflows++
		}
	}
	good := uint32(float64(l.dpages+overflows) / (1 + overload))
	if good != 0 {
		good = d2f(good) + 1
	} else {
		good = 2
	}
	f.log.Debugf("%s: %d pages, %d overflows, target %d", op, l.npages, overflows, good)
	if l.npages <= good {
		return s.expand(good)
	}
	return s.shrink(good)
}

// scanRefs reads every page header into the cross-reference.
func (s *shaper) scanRefs() error {
	f := s.f
	s.initRefs()
	s.slots = make([]pageInfo, s.npages/pageRate+1)
	var hdr [pageHeaderSize]byte
	for pg := uint32(1); pg < s.npages; pg++ {
		if f.isMap(pg) {
			continue
		}
		if err := s.read(int64(pg)*int64(f.pgsize), hdr[:]); err != nil {
			return err
		}
		next := getU32(hdr[:], 0)
		if next >= s.npages {
			return s.corrupt("page %d: next %d beyond the end", pg, next)
		}
		s.setRef(pg, next)
		if !isHead(pg) {
			s.slots[pg/pageRate] = pageInfo{next, getU16(hdr[:], 4), getU16(hdr[:], 6)}
		}
	}
	return nil
}

// mergeTails pairs the emptiest tail pages with the fullest ones that
// can take them, always emptying the page further from the start.
func (s *shaper) mergeTails() error {
	f := s.f
	var tails []pageInfo
	for pg := uint32(pageRate); pg < s.npages; pg += pageRate {
		t := s.slots[pg/pageRate]
		if !f.isMap(pg) && t.pgno == 0 && t.used != 0 && s.refs(pg) != 0 {
			tails = append(tails, pageInfo{pg, t.used, t.recs})
		}
	}
	sort.Slice(tails, func(i, j int) bool { return tails[i].used < tails[j].used })

	src, dst := s.buf[0], s.buf[1]
	merged := 0
	for a, z := 0, len(tails)-1; a < z; {
		if !f.fits(tails[a].used, tails[a].recs, tails[z].used, tails[z].recs) {
			z--
			continue
		}
		if tails[a].pgno < tails[z].pgno {
			tails[a], tails[z] = tails[z], tails[a]
		}
		if err := s.load(src, tails[a].pgno); err != nil {
			return err
		}
		if err := s.load(dst, tails[z].pgno); err != nil {
			return err
		}
		if !f.fits(dst.used, dst.recs, src.used, src.recs) {
			return s.corrupt("tail pages %d and %d changed under the lock", src.pgno, dst.pgno)
		}
		dst.appendBytes(src.data()[:src.used])
		dst.recs += src.recs
		if err := s.save(dst); err != nil {
			return err
		}
		for _, pg := range s.findRefs(src, src.pgno) {
			if pg == 0 {
				continue
			}
			if err := s.relink(pg, dst.pgno); err != nil {
				return err
			}
		}
		tails[z].used, tails[z].recs = dst.used, dst.recs
		s.slots[dst.pgno/pageRate] = pageInfo{0, dst.used, dst.recs}
		s.slots[src.pgno/pageRate] = pageInfo{}

		src.used, src.recs = 0, 0
		src.stain()
		if err := s.save(src); err != nil {
			return err
		}
		if err := s.alloc(src.pgno, false); err != nil {
			return err
		}
		merged++
		a++
	}
	if merged != 0 {
		f.log.Debugf("%s: merged %d tail pages", s.op, merged)
	}
	return nil
}

// expand grows the file to good pages. grow hands back an allocated
// overflow page each time; it is released at once.
func (s *shaper) expand(good uint32) error {
	f := s.f
	var head uint32
	for s.npages < good {
		if err := s.grow(s.retp, f.dsize, &head, 0); err != nil {
			return err
		}
		if err := s.save(s.retp); err != nil {
			return err
		}
		if err := s.alloc(s.retp.pgno, false); err != nil {
			return err
		}
	}
	return s.flushfreed(s.retp)
}

func (s *shaper) freeSlots() []uint32 {
	var v []uint32
	for pg := uint32(pageRate); pg < s.npages; pg += pageRate {
		if !s.f.isMap(pg) && s.refs(pg) == 0 && s.slots[pg/pageRate].used == 0 {
			v = append(v, pg)
		}
	}
	return v
}

// shrink drops pages from the end until the file has good pages.
func (s *shaper) shrink(good uint32) error {
	f := s.f
	src := s.buf[0]
	free := s.freeSlots()
	stale := false
	for s.npages > good {
		if stale {
			if err := s.scanRefs(); err != nil {
				return err
			}
			free = s.freeSlots()
			stale = false
		}
		last := s.npages - 1
		switch {
		case f.isMap(last):
		case !isHead(last):
			if n := len(free); n != 0 && free[n-1] == last {
				free = free[:n-1]
			}
			if s.refs(last) != 0 {
				if len(free) == 0 {
					f.log.Debugf("%s: no free page below %d", s.op, last)
					return s.clearMaps()
				}
				pg := free[0]
				free = free[1:]
				if err := s.relocate(src, last, pg); err != nil {
					return err
				}
			}
			if err := s.mark(last, false); err != nil {
				return err
			}
		default:
			if err := s.load(src, last); err != nil {
				return err
			}
			if src.used != 0 || src.next != 0 {
				ok, err := s.desplit(src)
				if err != nil || !ok {
					if err == nil {
						err = s.clearMaps()
					}
					return err
				}
				stale = true
				continue
			}
		}
		if err := s.resize(last); err != nil {
			return err
		}
	}
	return s.clearMaps()
}

// relocate moves overflow page from to the free slot to.
func (s *shaper) relocate(b *buffer, from, to uint32) error {
	if err := s.load(b, from); err != nil {
		return err
	}
	f := s.f
	f.tracef("relocate %d to %d", from, to)
	if err := s.alloc(to, true); err != nil {
		return err
	}
	b.pgno = to
	b.stain()
	if err := s.save(b); err != nil {
		return err
	}
	s.setRef(to, b.next)
	s.setRef(from, 0)
	s.slots[to/pageRate] = s.slots[from/pageRate]
	s.slots[from/pageRate] = pageInfo{}
	for _, pg := range s.findRefs(b, from) {
		if pg == 0 {
			continue
		}
		if err := s.relink(pg, to); err != nil {
			return err
		}
	}
	return nil
}

// desplit removes head page b, the last page of the file, by deleting its
// records, truncating the page and putting the records back into the
// chain it was split from. It reports false, having changed nothing, when
// the merged chain would be too long, and false after the fact when the
// puts had to grow the file again.
func (s *shaper) desplit(b *buffer) (bool, error) {
	f := s.f
	last := b.pgno
	into := splitOf(last)
	if s.chainLen(last)+s.chainLen(into) >= MaxChain/2 {
		f.log.Debugf("%s: chains %d and %d too long to merge", s.op, into, last)
		return false, nil
	}

	var recs [][]byte
	for pg, loops := last, MaxChain; pg != 0; pg = b.next {
		if loops--; loops == 0 {
			return false, s.corrupt("chain from %d longer than %d pages", last, MaxChain)
		}
		if pg != b.pgno {
			if err := s.load(b, pg); err != nil {
				return false, err
			}
		}
		d := b.data()
		b.each(func(off, _ int) bool {
			if headOf(recHash(d, off), s.dpages, s.mask) == last {
				recs = append(recs, append([]byte(nil), recData(d, off)...))
			}
			return true
		})
	}

	for _, rec := range recs {
		if _, err := f.put(s.op, rec, 0); err != nil {
			return false, err
		}
	}
	if err := s.resize(last); err != nil {
		return false, err
	}
	for _, rec := range recs {
		if _, err := f.put(s.op, rec, len(rec)); err != nil {
			return false, err
		}
	}
	if err := s.size(); err != nil {
		return false, err
	}
	f.tracef("desplit %d into %d: %d records", last, into, len(recs))
	return s.npages <= last, nil
}

func (s *shaper) chainLen(head uint32) int {
	n := 1
	for pg := s.vnext[head]; pg != 0 && n <= MaxChain; pg = s.vnext[pg] {
		n++
	}
	return n
}

// clearMaps clears the map bits of the overflow slots past the end.
func (s *shaper) clearMaps() error {
	f := s.f
	first := (s.npages + pageRate - 1) / pageRate * pageRate
	m, bit := f.mapOf(first)
	if m >= s.npages {
		return nil
	}
	b := s.buf[1]
	if err := s.load(b, m); err != nil {
		return err
	}
	d := b.data()
	pos := bit >> 3
	d[pos] &^= byte(0xFF) << uint(bit&7)
	for i := pos + 1; i < f.dsize; i++ {
		d[i] = 0
	}
	b.stain()
	return s.save(b)
}
