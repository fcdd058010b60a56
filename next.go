package hxdb

// Next returns the records of the file one at a time, copying each into
// dst, truncated to len(dst). It returns the record's stored length, or 0
// once every record has been returned; the scan then ends.
//
// The first call locks the whole file until the scan ends or Release is
// called. A read-only handle reads each page once, last page first. An
// update handle walks each chain from its head, so that Put and Delete
// of the record just returned are allowed.
func (f *File) Next(dst []byte) (n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, err := f.enter("next", nil)
	if err != nil {
		return 0, err
	}
	defer l.leave(&err)

	if !f.scanning() {
		if err = l.lockFile(); err != nil {
			return 0, err
		}
		if err = l.size(); err != nil {
			return 0, err
		}
		if err = l.remap(); err != nil {
			return 0, err
		}
		f.holdFile()
		f.scanPg = l.npages
		f.scan = newBuffer(f.pgsize)
		f.currpos, f.recsize = 0, 0
	} else if err = l.size(); err != nil {
		return 0, err
	}

	b := f.scan
	f.currpos += f.recsize
	f.recsize = 0
	for {
		if f.currpos >= b.used {
			f.currpos = 0
			var next uint32
			switch {
			case f.mode&ModeUpdate == 0:
				f.scanPg--
				next = f.scanPg
			case b.next != 0:
				next = b.next
			default:
				if f.scanPg--; f.scanPg != 0 && !isHead(f.scanPg) {
					f.scanPg--
				}
				next = f.scanPg
			}
			if next == 0 {
				l.rel()
				return 0, nil
			}
			if err = l.load(b, next); err != nil {
				return 0, err
			}
			continue
		}

		d := b.data()
		size := recAt(d, f.currpos, b.used)
		if size == 0 {
			return 0, l.corrupt("page %d: bad record at offset %d", b.pgno, f.currpos)
		}
		if f.mode&ModeUpdate == 0 || headOf(recHash(d, f.currpos), l.dpages, l.mask) == f.scanPg {
			f.recsize = size
			copy(dst, recData(d, f.currpos))
			return recLen(d, f.currpos), nil
		}
		f.currpos += size
	}
}

// Release ends a scan or a hold, dropping the locks they keep.
func (f *File) Release() (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hold == 0 {
		return nil
	}
	l, err := f.enter("release", nil)
	if err != nil {
		return err
	}
	defer l.leave(&err)
	l.rel()
	return nil
}

func (l *local) rel() {
	f := l.f
	l.mylock = true
	f.hold = 0
	f.scan = nil
	f.currpos, f.recsize = 0, 0
}

// currec is the record Next returned last, or nil.
func (f *File) currec() []byte {
	b := f.scan
	if b == nil || f.currpos >= b.used {
		return nil
	}
	d := b.data()
	if recAt(d, f.currpos, b.used) == 0 {
		return nil
	}
	return recData(d, f.currpos)
}
