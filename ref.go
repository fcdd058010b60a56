package hxdb

// Cross-reference of every page's next link, for the routines that walk
// the whole file: Check, Fix, Shape and Stat. vrefs counts the links into
// each overflow slot.

func (l *local) initRefs() {
	l.vnext = make([]uint32, l.npages)
	l.vrefs = make([]int, (l.npages-1)/pageRate+1)
	l.vprev = l.vprev[:0]
}

func (l *local) setRef(pg, next uint32) {
	l.vrefs[l.vnext[pg]/pageRate]--
	l.vrefs[next/pageRate]++
	l.vnext[pg] = next
}

func (l *local) refs(pg uint32) int { return l.vrefs[pg/pageRate] }

// getRef follows the links from pg to the page whose next is tail.
func (l *local) getRef(pg, tail uint32) uint32 {
	for n := uint32(0); l.vnext[pg] != tail; n++ {
		if pg = l.vnext[pg]; pg == 0 || n > l.npages {
			return 0
		}
	}
	return pg
}

// findHeads collects into l.vprev the distinct heads of b's records.
func (l *local) findHeads(b *buffer) []uint32 {
	l.vprev = l.vprev[:0]
	d := b.data()
	b.each(func(off, _ int) bool {
		h := headOf(recHash(d, off), l.dpages, l.mask)
		for _, x := range l.vprev {
			if x == h {
				return true
			}
		}
		l.vprev = append(l.vprev, h)
		return true
	})
	return l.vprev
}

// findRefs replaces each head found in b with the page of its chain that
// links to pg.
func (l *local) findRefs(b *buffer, pg uint32) []uint32 {
	l.findHeads(b)
	for i, h := range l.vprev {
		l.vprev[i] = l.getRef(h, pg)
	}
	return l.vprev
}

// relink rewrites pg's next in place and in the cross-reference.
func (l *local) relink(pg, next uint32) error {
	l.setRef(pg, next)
	return l.writeLink(pg, next)
}
