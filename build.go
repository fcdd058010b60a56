package hxdb

import (
	"bufio"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// MinBuildMem is the smallest memory budget Build accepts.
const MinBuildMem = 1 << 16

// Build replaces the content of the file with the records read from r,
// one text line each, parsed by the codec's Load. Later lines replace
// earlier lines with the same key.
//
// The file is sized up front for all the input, so each chain is written
// once instead of being split by successive puts. At most memLimit bytes
// of records are held in memory; beyond that the input goes through
// compressed temporary streams in Options.TempDir, partitioned by head.
// sizeHint, when larger than the input, sizes the file for that many
// bytes of input.
func (f *File) Build(r io.Reader, memLimit int, sizeHint int64) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	const op = "build"
	if r == nil || memLimit < MinBuildMem ||
		(f.file != nil && (f.mode&ModeUpdate == 0 || f.scanning() || f.hold != 0)) {
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

	b := &builder{local: l, memLimit: memLimit, alg: f.options.Compression}
	if err = b.parse(r); err != nil {
		return err
	}
	if b.nrecs == 0 {
		return b.empty()
	}
	if err = b.layout(sizeHint); err != nil {
		return err
	}
	if b.spilled == nil {
		err = b.store(b.mem)
	} else {
		err = b.partition()
	}
	if err != nil {
		return err
	}
	if err = b.fillMaps(); err != nil {
		return err
	}
	return b.putLate()
}

type builder struct {
	*local
	memLimit int
	alg      CompressAlgorithm

	mem     []byte // records read before the budget ran out
	spilled *spill // the rest of the input
	late    *spill // records store could not place
	routed  *spill // input past a full partition, in input order

	nrecs  int
	nbytes int   // record bytes, headers included
	seen   int64 // input bytes

	ovfl uint32 // next unused overflow slot
	recv []entry
	keep []entry
}

func (b *builder) parse(r io.Reader) error {
	f := b.f
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 3*f.dsize)
	rec := make([]byte, recHeaderSize, f.dsize)
	for sc.Scan() {
		line := sc.Bytes()
		b.seen += int64(len(line)) + 1
		var err error
		if rec, err = f.codec.Load(rec[:recHeaderSize], line); err != nil {
			return wrapError(CodeBadRecord, b.op, err)
		}
		data := rec[recHeaderSize:]
		if len(data) == 0 || len(data) > f.MaxRec() || !f.codec.Test(data) {
			return newError(CodeBadRecord, b.op)
		}
		putRecHeader(rec, 0, f.codec.Hash(data), len(data))

		if b.spilled == nil && len(b.mem)+len(rec) > b.memLimit {
			if b.spilled, err = b.newSpill(b.alg); err != nil {
				return err
			}
		}
		if b.spilled != nil {
			err = b.spilled.write(rec)
		} else {
			b.mem = append(b.mem, rec...)
		}
		if err != nil {
			return b.fail(CodeWrite, err)
		}
		b.nrecs++
		b.nbytes += len(rec)
	}
	switch err := sc.Err(); {
	case err == bufio.ErrTooLong:
		return wrapError(CodeBadRecord, b.op, err)
	case err != nil:
		return b.fail(CodeRead, err)
	}
	return nil
}

// layout locks the file and truncates it to the page count that holds the
// expected input in head pages, leaving the root page.
func (b *builder) layout(sizeHint int64) error {
	f := b.f
	nbytes, nrecs := float64(b.nbytes), float64(b.nrecs)
	if sizeHint > b.seen {
		scale := float64(sizeHint) / float64(b.seen)
		nbytes, nrecs = nbytes*scale, nrecs*scale
	}
	if err := b.truncate(); err != nil {
		return err
	}
	// Half a record is lost at the end of each page, on average.
	room := float64(f.dsize) - nbytes/nrecs/2
	d := (nbytes + float64(minIndexBytes(int(nrecs)))) / room
	if err := b.resize(1 + d2f(uint32(d))); err != nil {
		return err
	}
	b.ovfl = pageRate
	if f.isMap(b.ovfl) {
		b.ovfl += pageRate
	}
	f.log.Debugf("build: %d records, %d bytes, %d pages", b.nrecs, b.nbytes, b.npages)
	return nil
}

// truncate locks the file and cuts it down to the root page, whose map
// is cleared but for its own bit.
func (b *builder) truncate() error {
	f := b.f
	if err := b.lock(0, 0); err != nil {
		return err
	}
	if err := b.resize(1); err != nil {
		return err
	}
	f.tail = pageInfo{used: f.dsize}
	root := b.buf[1]
	if err := b.load(root, 0); err != nil {
		return err
	}
	d := root.data()
	for i := f.uleng; i < f.dsize; i++ {
		d[i] = 0
	}
	d[f.uleng] = 1
	root.stain()
	return b.save(root)
}

// empty leaves the file with no records.
func (b *builder) empty() error {
	if err := b.truncate(); err != nil {
		return err
	}
	return b.resize(2)
}

// partOf spreads heads over nparts partitions of about the same volume.
// Heads in the unsplit range between the last split and the middle of the
// directory take twice the records of the others.
func (b *builder) partOf(head uint32, nparts int) int {
	half := (b.mask + 1) >> 1
	split := b.dpages - half
	total := b.dpages + half - split
	if total == 0 {
		return 0
	}
	d := f2d(head)
	pos := d
	switch {
	case d < split:
	case d < half:
		pos = d + d - split
	default:
		pos = d + half - split
	}
	return int(uint64(pos) * uint64(nparts) / uint64(total))
}

func (b *builder) lateSpill(sp **spill) (*spill, error) {
	if *sp == nil {
		var err error
		if *sp, err = b.newSpill(b.alg); err != nil {
			return nil, err
		}
	}
	return *sp, nil
}

// partition distributes the input over temporary streams, each small
// enough to be stored from memory, then stores them in head order.
func (b *builder) partition() error {
	nparts := (len(b.mem)+b.spilled.bytes-1)/b.memLimit + 1
	parts := make([]*spill, nparts)
	for i := range parts {
		var err error
		if parts[i], err = b.newSpill(b.alg); err != nil {
			return err
		}
	}
	b.f.log.Debugf("build: %d partitions", nparts)

	// Once a partition is full, the rest of its input is put after the
	// build, so later lines still replace earlier ones.
	full := make([]bool, nparts)
	route := func(rec []byte) error {
		h := headOf(recHash(rec, 0), b.dpages, b.mask)
		i := b.partOf(h, nparts)
		p := parts[i]
		if full[i] || p.bytes+len(rec) > b.memLimit {
			full[i] = true
			var err error
			if p, err = b.lateSpill(&b.routed); err != nil {
				return err
			}
		}
		if err := p.write(rec); err != nil {
			return b.fail(CodeWrite, err)
		}
		return nil
	}
	for off := 0; off < len(b.mem); {
		size := recSize(b.mem, off)
		if err := route(b.mem[off : off+size]); err != nil {
			return err
		}
		off += size
	}
	b.mem = nil

	r, err := b.spilled.reader()
	if err != nil {
		return b.fail(CodeRead, err)
	}
	buf := make([]byte, b.f.dsize)
	for {
		rec, err := readRec(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return b.fail(CodeRead, err)
		}
		if err = route(rec); err != nil {
			return err
		}
	}

	for _, p := range parts {
		r, err := p.reader()
		if err != nil {
			return b.fail(CodeRead, err)
		}
		recs, err := io.ReadAll(r)
		if err != nil {
			return b.fail(CodeRead, err)
		}
		if len(recs) != p.bytes {
			return b.fail(CodeRead, errors.Errorf("partition holds %d bytes, %d written", len(recs), p.bytes))
		}
		if err = b.store(recs); err != nil {
			return err
		}
	}
	return nil
}

// store writes the chains of the records in recs, which hold whole
// chains: no head in recs has records anywhere else.
func (b *builder) store(recs []byte) error {
	f := b.f
	b.recv = b.recv[:0]
	for off := 0; off < len(recs); {
		size := recSize(recs, off)
		hash := recHash(recs, off)
		b.recv = append(b.recv, entry{
			head: headOf(hash, b.dpages, b.mask),
			hash: hash,
			seq:  len(b.recv),
			rec:  recs[off : off+size],
		})
		off += size
	}
	sort.Slice(b.recv, func(i, j int) bool {
		return compareEntries(&b.recv[i], &b.recv[j]) < 0
	})

	buf := b.buf[0]
	for i := 0; i < len(b.recv); {
		head := b.recv[i].head
		j := i + 1
		for j < len(b.recv) && b.recv[j].head == head {
			j++
		}
		keep := b.unique(b.recv[i:j])
		i = j

		bytes := 0
		for _, e := range keep {
			bytes += len(e.rec)
		}
		b.fresh(buf, head)
		minovfl := b.ovfl
		for n, e := range keep {
			size := len(e.rec)
			if !f.fits(buf.used, buf.recs, size, 1) {
				// A tail saved for an earlier head is shared only when
				// it takes everything left for this one.
				t := f.tail
				switch {
				case t.pgno != 0 && t.pgno != buf.pgno && t.pgno < minovfl &&
					f.fits(t.used, t.recs, bytes, len(keep)-n):
					buf.link(t.pgno)
					if err := b.save(buf); err != nil {
						return err
					}
					if err := b.load(buf, t.pgno); err != nil {
						return err
					}
				case b.ovfl < b.npages:
					buf.link(b.ovfl)
					if err := b.save(buf); err != nil {
						return err
					}
					b.fresh(buf, b.ovfl)
					if b.ovfl += pageRate; f.isMap(b.ovfl) {
						b.ovfl += pageRate
					}
				}
			}
			if f.fits(buf.used, buf.recs, size, 1) {
				buf.appendBytes(e.rec)
				buf.recs++
			} else {
				late, err := b.lateSpill(&b.late)
				if err != nil {
					return err
				}
				if err = late.write(e.rec); err != nil {
					return b.fail(CodeWrite, err)
				}
			}
			bytes -= size
		}
		if err := b.save(buf); err != nil {
			return err
		}
	}
	return nil
}

// unique drops, from entries of one head sorted by hash and input order,
// every record whose key appears again later in the input.
func (b *builder) unique(v []entry) []entry {
	codec := b.f.codec
	b.keep = b.keep[:0]
	for i := 0; i < len(v); {
		j := i + 1
		for j < len(v) && v[j].hash == v[i].hash {
			j++
		}
		run := len(b.keep)
		for k := j - 1; k >= i; k-- {
			dup := false
			for _, e := range b.keep[run:] {
				if !codec.Diff(e.data(), v[k].data()) {
					dup = true
					break
				}
			}
			if !dup {
				b.keep = append(b.keep, v[k])
			}
		}
		i = j
	}
	return b.keep
}

// fillMaps marks every overflow slot used so far as allocated, and writes
// the map pages beyond them with only their own bit set.
func (b *builder) fillMaps() error {
	f := b.f
	buf := b.buf[0]
	if err := b.load(buf, 0); err != nil {
		return err
	}
	for pg := uint32(0); pg < b.ovfl; pg += pageRate {
		m, bit := f.mapOf(pg)
		if m != buf.pgno {
			if err := b.save(buf); err != nil {
				return err
			}
			b.fresh(buf, m)
		}
		buf.data()[bit>>3] |= 1 << uint(bit&7)
		buf.stain()
	}
	if err := b.save(buf); err != nil {
		return err
	}
	for m := f.map1; m < b.npages; m = f.nextMap(m) {
		if m < b.ovfl {
			continue
		}
		b.fresh(buf, m)
		buf.data()[0] = 1
		if err := b.save(buf); err != nil {
			return err
		}
	}
	return nil
}

// putLate puts the records store could not place, then the input routed
// past full partitions. The whole file stays locked by this call meanwhile.
func (b *builder) putLate() error {
	f := b.f
	f.holdFile()
	defer func() { f.hold = 0 }()
	buf := make([]byte, f.dsize)
	for _, sp := range []*spill{b.late, b.routed} {
		if sp == nil {
			continue
		}
		f.log.Debugf("build: %d records to put", sp.recs)
		r, err := sp.reader()
		if err != nil {
			return b.fail(CodeRead, err)
		}
		for {
			rec, err := readRec(r, buf)
			if err == io.EOF {
				break
			}
			if err != nil {
				return b.fail(CodeRead, err)
			}
			if _, err = f.put(b.op, rec[recHeaderSize:], recLen(rec, 0)); err != nil {
				return err
			}
		}
	}
	return nil
}
