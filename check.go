package hxdb

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Anomaly is a kind of damage found by Check and Fix.
type Anomaly int

// Anomalies from BadIndex on are fatal: the file cannot be trusted even
// for reading until it is repaired.
const (
	BadDupRecs  Anomaly = iota // same key in two adjacent pages of a chain
	BadFreeBit                 // page in use but marked free
	BadFreeNext                // empty page with a next link
	BadHeadRec                 // head page holds another head's records
	BadMapHead                 // map page with a nonzero header
	BadMapSelf                 // map page does not mark itself in use
	BadOrphan                  // nonempty overflow page that nothing links to
	BadOvermap                 // map bits set beyond the last page
	BadRecs                    // recs disagrees with the records in used
	BadRecTest                 // record rejected by the codec
	BadRefs                    // link to a page with no records for the chain
	BadRoot                    // root page header or user data
	BadUsedBit                 // free page marked in use
	BadIndex
	BadLoop     // chain revisits a page
	BadNext     // link to a head page or beyond the end
	BadRecHash  // stored hash differs from the codec's
	BadRecSize  // record runs past used
	BadUsed     // used out of range

	numAnomalies
)

var anomalyNames = [numAnomalies]string{
	"bad_dup_recs", "bad_free_bit", "bad_free_next", "bad_head_rec",
	"bad_map_head", "bad_map_self", "bad_orphan", "bad_overmap", "bad_recs",
	"bad_rec_test", "bad_refs", "bad_root", "bad_used_bit",
	"bad_index", "bad_loop", "bad_next", "bad_rec_hash", "bad_rec_size", "bad_used",
}

func (a Anomaly) String() string {
	if a < 0 || a >= numAnomalies {
		return fmt.Sprintf("anomaly(%d)", int(a))
	}
	return anomalyNames[a]
}

func (a Anomaly) Fatal() bool { return a >= BadIndex }

// Report counts the anomalies found by one Check or Fix.
type Report struct {
	Counts [numAnomalies]int
}

func (r *Report) Count(a Anomaly) int { return r.Counts[a] }

func (r *Report) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Mode is the most a file in this state may be opened for: ModeUpdate
// when clean, ModeRead when only recoverable anomalies were found, and
// ModeRepair when any was fatal.
func (r *Report) Mode() Mode {
	mode := ModeUpdate
	for a, c := range r.Counts {
		if c == 0 {
			continue
		}
		if Anomaly(a).Fatal() {
			return ModeRepair
		}
		mode = ModeRead
	}
	return mode
}

func (r *Report) String() string {
	var parts []string
	for a, c := range r.Counts {
		if c != 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", Anomaly(a), c))
		}
	}
	if parts == nil {
		return "ok"
	}
	return strings.Join(parts, " ")
}

// Scratch receives the records salvaged by Fix until they are put back.
// *os.File satisfies it.
type Scratch interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
}

// Check verifies the whole file without changing it and returns the mode
// the file is fit for.
func (f *File) Check() (Mode, *Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fix("check", nil, 0, nil)
}

// Fix checks the file and repairs what it finds. Records from damaged or
// unreachable pages go to scratch and are put back at the end. pageSize
// replaces a page size the root page has lost, and udata, when not nil,
// replaces the user data; both rewrite the root page. A nil scratch makes
// Fix a Check that applies pageSize and udata to the handle only.
func (f *File) Fix(scratch Scratch, pageSize int, udata []byte) (Mode, *Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fix("fix", scratch, pageSize, udata)
}

// Flags in local.visit: visited marks an overflow page reached during the
// walk of the current chain; orphaned, a page the orphan pass has cleared.
const (
	visited  = 1
	orphaned = 1 << 31
)

type checker struct {
	*local
	scratch Scratch
	report  *Report
	bufp    *buffer
	mapp    *buffer
}

func (f *File) fix(op string, scratch Scratch, pageSize int, udata []byte) (mode Mode, report *Report, err error) {
	report = &Report{}
	repairing := scratch != nil
	if f.file == nil || (repairing && (f.mode&ModeMmap != 0 || f.mode&ModeUpdate == 0 || f.scanning())) {
		return 0, report, newError(CodeBadRequest, op)
	}

	badroot := false
	if !validPageSize(f.pgsize) {
		if !validPageSize(pageSize) {
			return ModeRepair, report, nil
		}
		f.pgsize = pageSize
		badroot = true
	}
	if udata != nil && !bytes.Equal(udata, f.udata) {
		if len(udata) >= f.pgsize-pageHeaderSize {
			return 0, report, newError(CodeBadRequest, op)
		}
		f.udata = append([]byte{}, udata...)
		f.uleng = len(udata)
		if f.options.Codec == nil {
			reg := f.options.Registry
			if reg == nil {
				reg = DefaultRegistry
			}
			f.codec = reg.Lookup(f.udata)
		}
		badroot = true
	}
	if !okVersion(f.version) {
		f.version = Version
		badroot = true
	}
	f.setGeometry()
	if f.udata == nil {
		f.udata = []byte{}
		badroot = true
	}
	if f.codec == nil {
		return 0, report, newError(CodeBadRequest, op)
	}

	l, err := f.enter(op, nil)
	if err != nil {
		return 0, report, err
	}
	defer l.leave(&err)
	l.lenient = true
	if !repairing {
		l.mode = unix.F_RDLCK
	} else {
		if err = scratch.Truncate(0); err != nil {
			return 0, report, l.fail(CodeFtruncate, err)
		}
		if _, err = scratch.Seek(0, io.SeekStart); err != nil {
			return 0, report, l.fail(CodeLseek, err)
		}
	}
	if err = l.lockFile(); err != nil {
		return 0, report, err
	}
	if err = l.size(); err != nil {
		return 0, report, err
	}

	c := &checker{local: l, scratch: scratch, report: report, bufp: l.buf[0], mapp: l.buf[1]}
	if err = c.run(badroot); err != nil {
		return 0, report, err
	}
	c.logCounts(report)
	if !repairing {
		return report.Mode(), report, nil
	}

	// Putting records back can expose what one pass could not see, such
	// as pages cut off below a lost header. The file is checked again
	// and repaired again while that finds anything.
	for round := 1; ; round++ {
		if err = c.reinsert(); err != nil {
			return 0, report, err
		}
		if err = l.size(); err != nil {
			return 0, report, err
		}
		again := &Report{}
		v := &checker{local: l, report: again, bufp: l.buf[0], mapp: l.buf[1]}
		if err = v.run(false); err != nil {
			return 0, report, err
		}
		if again.Total() == 0 {
			return ModeUpdate, report, nil
		}
		f.log.WithField("round", round).Debugf("%s: still %s", op, again)
		if round == maxFixRounds {
			return again.Mode(), report, nil
		}
		if err = c.resetScratch(); err != nil {
			return 0, report, err
		}
		more := &Report{}
		c.report = more
		if err = c.run(false); err != nil {
			return 0, report, err
		}
		c.logCounts(more)
		for a, n := range more.Counts {
			report.Counts[a] += n
		}
	}
}

// maxFixRounds bounds the repair passes of one Fix.
const maxFixRounds = 3

func (c *checker) logCounts(r *Report) {
	for a, n := range r.Counts {
		if n != 0 {
			c.f.log.WithField("anomaly", Anomaly(a)).Debugf("%s: %d found", c.op, n)
		}
	}
}

func (c *checker) resetScratch() error {
	if err := c.scratch.Truncate(0); err != nil {
		return c.fail(CodeFtruncate, err)
	}
	if _, err := c.scratch.Seek(0, io.SeekStart); err != nil {
		return c.fail(CodeLseek, err)
	}
	return nil
}

func (c *checker) repairing() bool { return c.scratch != nil }

func (c *checker) bad(a Anomaly, pg uint32) {
	c.report.Counts[a]++
	c.f.log.WithFields(log.Fields{"page": pg, "anomaly": a}).Debug("check")
}

// save writes b when repairing; a check only forgets the changes.
func (c *checker) save(b *buffer) error {
	if !c.repairing() {
		b.scrub()
		return nil
	}
	return c.local.save(b)
}

// link changes pg's next in the cross-reference, and on disk when
// repairing.
func (c *checker) link(pg, next uint32) error {
	if !c.repairing() {
		c.setRef(pg, next)
		return nil
	}
	return c.relink(pg, next)
}

func (c *checker) bufLink(b *buffer, next uint32) {
	b.link(next)
	c.setRef(b.pgno, next)
}

func (c *checker) dump(p []byte) error {
	if !c.repairing() || len(p) == 0 {
		return nil
	}
	if _, err := c.scratch.Write(p); err != nil {
		return c.fail(CodeWrite, err)
	}
	return nil
}

func (c *checker) run(badroot bool) error {
	f := c.f
	if badroot {
		if err := c.fixRoot(); err != nil {
			return err
		}
	}

	c.initRefs()
	c.visit = make([]uint32, c.npages/pageRate+1)

	last := c.npages - 1
	lastmap, lastbit := f.mapOf(last - last%pageRate)
	for pg := uint32(0); pg < c.npages; pg++ {
		var err error
		if f.isMap(pg) {
			if err = c.save(c.mapp); err == nil {
				err = c.checkMap(pg, lastmap, lastbit)
			}
		} else {
			if err = c.save(c.bufp); err == nil {
				err = c.checkData(pg)
			}
		}
		if err != nil {
			return err
		}
	}
	if err := c.save(c.bufp); err != nil {
		return err
	}
	if err := c.save(c.mapp); err != nil {
		return err
	}

	if err := c.checkLinks(); err != nil {
		return err
	}
	if c.report.Counts[BadLoop] == 0 {
		if err := c.checkDups(); err != nil {
			return err
		}
	}
	return c.checkOrphans()
}

// fixRoot rewrites the root header and user data from the handle.
func (c *checker) fixRoot() error {
	f, b := c.f, c.mapp
	if err := c.load(b, 0); err != nil {
		return err
	}
	putU16(b.page, 0, f.pgsize)
	putU16(b.page, 2, int(f.version))
	b.next = getU32(b.page, 0)
	b.used, b.recs = f.uleng, 0
	d := b.data()
	copy(d, f.udata)
	d[f.uleng] |= 1
	b.stain()
	c.bad(BadRoot, 0)
	return c.save(b)
}

func (c *checker) checkMap(pg, lastmap uint32, lastbit int) error {
	f, b := c.f, c.mapp
	if err := c.load(b, pg); err != nil {
		return err
	}
	if pg == 0 {
		b.used = f.uleng
	} else if b.next != 0 || b.used != 0 {
		c.bad(BadMapHead, pg)
		b.next, b.used, b.recs = 0, 0, 0
		b.stain()
	}
	d := b.data()
	if d[b.used]&1 == 0 {
		c.bad(BadMapSelf, pg)
		d[b.used] |= 1
		b.stain()
	}

	if pg == lastmap {
		pos := lastbit >> 3
		mask := byte(0xFE) << uint(lastbit&7)
		over := d[pos]&mask != 0
		d[pos] &^= mask
		for i := pos + 1; i < f.dsize; i++ {
			if d[i] != 0 {
				over = true
				d[i] = 0
			}
		}
		if over {
			c.bad(BadOvermap, pg)
			b.stain()
		}
	}
	return nil
}

func (c *checker) checkData(pg uint32) error {
	f, b := c.f, c.bufp
	if err := c.load(b, pg); err != nil {
		return err
	}
	if b.next >= c.npages || (b.next != 0 && (isHead(b.next) || f.isMap(b.next))) {
		c.bad(BadNext, pg)
		b.link(0)
	}
	c.setRef(pg, b.next)

	if b.used != 0 && (b.used < minRecSize || b.used > f.dsize) {
		c.bad(BadUsed, pg)
		c.clearPage(b)
		if err := c.recover(b); err != nil {
			return err
		}
	} else if b.used == 0 && !allZero(b.data()) {
		// A zeroed header leaves records behind it.
		if err := c.recover(b); err != nil {
			return err
		}
	}

	d := b.data()
	off, recs := 0, 0
	for off < b.used {
		size := recAt(d, off, b.used)
		if size == 0 {
			c.bad(BadRecSize, pg)
			break
		}
		rec := recData(d, off)
		if !f.codec.Test(rec) {
			c.bad(BadRecTest, pg)
			break
		}
		if f.codec.Hash(rec) != recHash(d, off) {
			c.bad(BadRecHash, pg)
			break
		}
		recs++
		off += size
	}
	if recs != b.recs {
		c.bad(BadRecs, pg)
		b.recs = recs
		b.stain()
	}
	if off < b.used {
		b.used = off
		b.stain()
		if err := c.recover(b); err != nil {
			return err
		}
	}

	heads := c.findHeads(b)
	if !isHead(pg) {
		var x uint32
		for _, h := range heads {
			x ^= pghash(h)
		}
		c.visit[pg/pageRate] = x &^ visited
	} else if b.used != 0 && (len(heads) > 1 || heads[0] != pg) {
		c.bad(BadHeadRec, pg)
		if err := c.dump(d[:b.used]); err != nil {
			return err
		}
		c.clearPage(b)
	}

	if b.used == 0 && b.next != 0 {
		c.bad(BadFreeNext, pg)
		c.bufLink(b, 0)
	}

	act := f.indexArea(b)
	exp := make([]byte, len(act))
	indexify(b, exp)
	if !b.dirty() && !bytes.Equal(act, exp) {
		c.bad(BadIndex, pg)
		if c.repairing() {
			copy(act, exp)
			b.stain()
		}
	}

	if !isHead(pg) && (b.used != 0) != c.xorMap(pg, false) {
		if b.used != 0 {
			c.bad(BadFreeBit, pg)
		} else {
			c.bad(BadUsedBit, pg)
		}
		c.xorMap(pg, true)
	}
	return nil
}

// checkLinks breaks loops and links into pages that do not belong to the
// linking chain. Each overflow page's visit entry starts as the xor of
// pghash over the heads of its records; walking each chain xors the
// chain's pghash back out, so a page whose entry ends nonzero is linked
// from a chain it has no records for, or misses a chain it has records
// for. The visited bit stays set on every page but the last of a walk,
// so only a tail can be reached twice.
func (c *checker) checkLinks() error {
	for ph := uint32(1); ph < c.npages; ph++ {
		if !isHead(ph) {
			continue
		}
		hash := pghash(ph) | visited
		pg := ph
		for pn := c.vnext[pg]; pn != 0; pn = c.vnext[pg] {
			p := &c.visit[pn/pageRate]
			if *p&visited != 0 {
				c.bad(BadLoop, pn)
				if err := c.link(pg, 0); err != nil {
					return err
				}
				break
			}
			*p ^= hash
			pg = pn
		}
		if pg != ph {
			c.visit[pg/pageRate] &^= visited
		}
	}

	for pg := uint32(1); pg < c.npages; pg++ {
		if pn := c.vnext[pg]; pn != 0 && c.visit[pn/pageRate]&^visited != 0 {
			c.bad(BadRefs, pn)
			if err := c.link(pg, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkDups looks for a key stored in two adjacent pages of a chain, and
// cuts the chain after its head when it finds one; the cut pages become
// orphans whose records are put back only when missing.
func (c *checker) checkDups() error {
	f := c.f
	srcp, dstp := c.bufp, c.mapp
	load := func(b *buffer, pg uint32) error {
		if err := c.load(b, pg); err != nil {
			return err
		}
		if c.report.Counts[BadIndex] != 0 {
			indexify(b, f.indexArea(b))
		}
		return nil
	}

	for ph := uint32(1); ph < c.npages; ph++ {
		if !isHead(ph) || c.vnext[ph] == 0 {
			continue
		}
		if err := load(srcp, c.vnext[ph]); err != nil {
			return err
		}
		if err := load(dstp, ph); err != nil {
			return err
		}
		dup := false
		for {
			d := srcp.data()
			srcp.each(func(off, _ int) bool {
				pos, _ := f.find(dstp, recHash(d, off), recData(d, off))
				dup = pos >= 0
				return !dup
			})
			next := c.vnext[srcp.pgno]
			if dup || next == 0 {
				break
			}
			srcp, dstp = dstp, srcp
			if err := load(srcp, next); err != nil {
				return err
			}
		}
		if dup {
			c.bad(BadDupRecs, srcp.pgno)
			for pg := dstp.pgno; c.vnext[pg] != 0; {
				pn := c.vnext[pg]
				if err := c.link(pg, 0); err != nil {
					return err
				}
				pg = pn
			}
		}
	}
	c.bufp, c.mapp = srcp, dstp
	return nil
}

// checkOrphans frees nonempty overflow pages that nothing links to, after
// dumping their records. Freeing one can orphan the page it linked to, so
// it repeats until a pass finds none.
func (c *checker) checkOrphans() error {
	for {
		n, err := c.orphanPass()
		if err != nil || n == 0 {
			return err
		}
	}
}

func (c *checker) orphanPass() (int, error) {
	f := c.f
	found := 0
	for pg := uint32(0); pg < c.npages; pg += pageRate {
		if f.isMap(pg) {
			if err := c.save(c.mapp); err != nil {
				return 0, err
			}
			if err := c.load(c.mapp, pg); err != nil {
				return 0, err
			}
			continue
		}
		if c.refs(pg) != 0 || c.visit[pg/pageRate]&orphaned != 0 {
			continue
		}
		if err := c.save(c.bufp); err != nil {
			return 0, err
		}
		if err := c.load(c.bufp, pg); err != nil {
			return 0, err
		}
		if c.bufp.used == 0 {
			continue
		}
		found++
		c.visit[pg/pageRate] |= orphaned
		c.bad(BadOrphan, pg)
		if err := c.dump(c.bufp.data()[:c.bufp.used]); err != nil {
			return 0, err
		}
		c.clearPage(c.bufp)
		if c.xorMap(pg, false) {
			c.xorMap(pg, true)
		}
	}
	if err := c.save(c.bufp); err != nil {
		return 0, err
	}
	return found, c.save(c.mapp)
}

// reinsert puts back the dumped records that are not in the file.
func (c *checker) reinsert() (err error) {
	f := c.f
	if _, err := c.scratch.Seek(0, io.SeekStart); err != nil {
		return c.fail(CodeLseek, err)
	}
	r := bufio.NewReader(c.scratch)
	f.holdFile()
	defer func() { f.hold = 0 }()

	var hdr [recHeaderSize]byte
	rec := make([]byte, f.dsize)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err == io.EOF {
			return nil
		} else if err != nil {
			return c.fail(CodeRead, err)
		}
		leng := recLen(hdr[:], 0)
		if leng > len(rec) {
			return c.fail(CodeRead, errors.Errorf("scratch record of %d bytes", leng))
		}
		if _, err := io.ReadFull(r, rec[:leng]); err != nil {
			return c.fail(CodeRead, err)
		}
		if leng > f.MaxRec() || !f.codec.Test(rec[:leng]) {
			f.log.Debugf("fix: skip reinsert of %q", rec[:leng])
			continue
		}
		n, err := f.get(c.op, rec[:leng], nil, false)
		if err == nil && n == 0 {
			_, err = f.put(c.op, rec[:leng], leng)
		}
		if err != nil {
			return err
		}
	}
}

func (c *checker) clearPage(b *buffer) {
	b.orig = c.f.dsize
	b.used, b.recs = 0, 0
	b.stain()
	c.bufLink(b, 0)
}

// recover dumps whatever looks like a valid record in b's data beyond
// used, resynchronizing a byte at a time.
func (c *checker) recover(b *buffer) error {
	if !c.repairing() {
		return nil
	}
	f := c.f
	d := b.data()
	for off := b.used; off+recHeaderSize <= f.dsize; {
		hash, leng := recHash(d, off), recLen(d, off)
		end := off + recHeaderSize + leng
		switch {
		case hash == 0 || leng == 0,
			end > f.dsize || !f.codec.Test(d[off+recHeaderSize:end]) ||
			f.codec.Hash(d[off+recHeaderSize:end]) != hash:
			off++
		default:
			if err := c.dump(d[off:end]); err != nil {
				return err
			}
			off = end
		}
	}
	return nil
}

// xorMap reports the map bit of overflow page pg, flipping it first when
// flip is set. c.mapp must hold pg's map page.
func (c *checker) xorMap(pg uint32, flip bool) bool {
	_, bit := c.f.mapOf(pg)
	d := c.mapp.data()
	mask := byte(1) << uint(bit&7)
	if flip {
		d[bit>>3] ^= mask
		c.mapp.stain()
	}
	return d[bit>>3]&mask != 0
}

// pghash hashes a page number: FNV-1a over its bytes, then a final mix.
func pghash(pg uint32) uint32 {
	h := uint32(2166136261)
	for i := 0; i < 4; i++ {
		h = (h ^ (pg & 0xFF)) * 16777619
		pg >>= 8
	}
	h += h << 13
	h ^= h >> 7
	h += h << 3
	h ^= h >> 17
	h += h << 5
	return h
}

func allZero(p []byte) bool {
	for _, c := range p {
		if c != 0 {
			return false
		}
	}
	return true
}
