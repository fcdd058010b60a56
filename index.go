package hxdb

// The in-page index is an open-addressed table of 16-bit slots filling the
// end of the page, slot 0 in the last two bytes. A slot holds 1 + the
// offset of a record in the data area, or 0 when empty. Keeping a quarter
// of the slots empty guarantees that every probe sequence ends.

func indexSize(dsize, used int) int { return (dsize - used) / 2 }

func getSlot(idx []byte, i int) int    { return getU16(idx, len(idx)-2-2*i) }
func setSlot(idx []byte, i int, v int) { putU16(idx, len(idx)-2-2*i, v) }

// homeSlot is where probing for hash starts in a table of hsize slots.
func homeSlot(hash uint32, hsize int) int {
	mask := maskOf(uint32(hsize))
	i := int(hash & mask)
	if i >= hsize {
		i &= int(mask >> 1)
	}
	return i
}

// prevSlot steps a probe backward, wrapping at slot 0.
func prevSlot(i, hsize int) int {
	if i == 0 {
		i = hsize
	}
	return i - 1
}

// indexify builds the index of b's records into idx, which has the layout
// of a page's index area. Records that collide are placed in a second
// pass, last record first, each at the first empty slot below its home.
func indexify(b *buffer, idx []byte) {
	for i := range idx {
		idx[i] = 0
	}
	hsize := len(idx) / 2
	if hsize == 0 {
		return
	}
	type collision struct{ home, val int }
	var (
		d      = b.data()
		save   []collision
		placed int
	)
	b.each(func(off, size int) bool {
		i := homeSlot(recHash(d, off), hsize)
		if getSlot(idx, i) != 0 {
			save = append(save, collision{i, off + 1})
		} else {
			setSlot(idx, i, off+1)
			placed++
		}
		return true
	})
	for n := len(save) - 1; n >= 0 && placed < hsize; n-- {
		i := save[n].home
		for {
			i = prevSlot(i, hsize)
			if getSlot(idx, i) == 0 {
				break
			}
		}
		setSlot(idx, i, save[n].val)
		placed++
	}
}

// indexArea returns the part of b's data holding its index.
func (f *File) indexArea(b *buffer) []byte {
	hsize := indexSize(f.dsize, b.used)
	if hsize < 0 {
		return nil
	}
	return b.data()[f.dsize-2*hsize : f.dsize]
}

// reindex brings b's index up to date before a save and zeroes the gap
// between the records and the index. Pending adjustments are applied in
// place when the slot count is unchanged; otherwise, or when full is set,
// the index is rebuilt.
func (f *File) reindex(b *buffer, full bool) {
	idx := f.indexArea(b)
	if idx == nil {
		return
	}
	hsize := len(idx) / 2
	gap := b.data()[b.used : f.dsize-len(idx)]
	for i := range gap {
		gap[i] = 0
	}
	switch {
	case full || Has(b.flag, dirtyIndex) || hsize != b.hsize:
		indexify(b, idx)
	default:
		for _, a := range b.adj {
			for i := 0; i < hsize; i++ {
				if v := getSlot(idx, i); v > a.pos+1 {
					setSlot(idx, i, v+a.delta)
				}
			}
		}
	}
	b.hsize = hsize
}

// find looks for the record matching key in b, returning its offset and
// index slot, or -1 when the key is absent.
func (f *File) find(b *buffer, hash uint32, key []byte) (pos, slot int) {
	idx := f.indexArea(b)
	hsize := len(idx) / 2
	if hsize == 0 {
		return -1, 0
	}
	d := b.data()
	i := homeSlot(hash, hsize)
	for n := 0; n < hsize; n++ {
		v := getSlot(idx, i)
		if v == 0 {
			return -1, i
		}
		off := v - 1
		if off < b.used && recAt(d, off, b.used) != 0 &&
			recHash(d, off) == hash && !f.codec.Diff(key, recData(d, off)) {
			return off, i
		}
		i = prevSlot(i, hsize)
	}
	return -1, i
}

// indexed reports whether b's index is exactly what indexify would build
// and leaves at least a quarter of its slots empty.
func (f *File) indexed(b *buffer) bool {
	idx := f.indexArea(b)
	hsize := len(idx) / 2
	empty := 0
	for i := 0; i < hsize; i++ {
		if getSlot(idx, i) == 0 {
			empty++
		}
	}
	if empty == 0 || empty < b.recs/4 {
		return false
	}
	want := make([]byte, len(idx))
	indexify(b, want)
	for i := range idx {
		if idx[i] != want[i] {
			return false
		}
	}
	return true
}
