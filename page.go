package hxdb

import "encoding/binary"

const (
	MinPageSize = 32
	MaxPageSize = 32768

	// MaxChain bounds the number of pages walked in one chain.
	MaxChain = 20
	// MaxShare is the last bucket of the tail-sharing histogram.
	MaxShare = 100

	// Version of the on-disk format: major in the high byte.
	Version uint16 = 0x0100
)

const (
	// pageRate: of every pageRate page numbers, pageRate-1 are heads and the
	// one divisible by pageRate is an overflow or map page.
	pageRate = 4

	pageHeaderSize = 8 // next u32, used u16, recs u16
	rootHeaderSize = 8 // pgsize u16, version u16, uleng u16, reserved u16
	recHeaderSize  = 6 // hash u32, leng u16
	minRecSize     = recHeaderSize + 1

	maxAdjust = 16
)

// little-endian accessors; every on-disk field goes through these.

func getU16(b []byte, off int) int {
	return int(binary.LittleEndian.Uint16(b[off : off+2]))
}

func putU16(b []byte, off int, v int) {
	binary.LittleEndian.PutUint16(b[off:off+2], uint16(v))
}

func getU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

func putU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// record accessors over a page's data area

func recHash(d []byte, off int) uint32 { return getU32(d, off) }
func recLen(d []byte, off int) int     { return getU16(d, off+4) }
func recSize(d []byte, off int) int    { return recHeaderSize + recLen(d, off) }

func recData(d []byte, off int) []byte {
	return d[off+recHeaderSize : off+recSize(d, off)]
}

// recAt reports the size of the record at off when it is wholly inside
// d[:end], and 0 otherwise.
func recAt(d []byte, off, end int) int {
	if off+recHeaderSize > end {
		return 0
	}
	size := recSize(d, off)
	if size < minRecSize || off+size > end {
		return 0
	}
	return size
}

func putRecHeader(d []byte, off int, hash uint32, leng int) {
	putU32(d, off, hash)
	putU16(d, off+4, leng)
}

// minIndexBytes is the smallest index that keeps a quarter of its slots
// empty for nrecs records.
func minIndexBytes(nrecs int) int {
	return (nrecs + (nrecs+7)/8) * 2
}

type adjustment struct {
	pos, delta int
}

// buffer holds one page. next/used/recs are the decoded header; the page
// bytes are encoded again on save.
type buffer struct {
	pgno uint32
	next uint32
	used int
	recs int
	orig int // used when loaded
	flag uint8
	page []byte

	hsize int // index slots when loaded
	adj   []adjustment
}

func newBuffer(pgsize int) *buffer {
	return &buffer{page: make([]byte, pgsize)}
}

func (b *buffer) data() []byte { return b.page[pageHeaderSize:] }

func (b *buffer) dirty() bool   { return b.flag != 0 }
func (b *buffer) stain()        { b.flag = Set(b.flag, dirtyData) }
func (b *buffer) deindex()      { b.flag = Set(b.flag, dirtyData|dirtyIndex) }
func (b *buffer) scrub()        { b.flag = 0; b.adj = b.adj[:0] }
func (b *buffer) shrunk() bool  { return b.used < b.orig }
func (b *buffer) link(pg uint32) {
	b.next = pg
	b.flag = Set(b.flag, dirtyLink)
}

// decode refreshes the header fields from the page bytes.
func (b *buffer) decode(dsize int) {
	b.next = getU32(b.page, 0)
	b.used = getU16(b.page, 4)
	b.recs = getU16(b.page, 6)
	b.orig = b.used
	b.hsize = indexSize(dsize, b.used)
	b.scrub()
}

func (b *buffer) encode() {
	putU32(b.page, 0, b.next)
	putU16(b.page, 4, b.used)
	putU16(b.page, 6, b.recs)
}

// appendBytes appends a block of records (or one record header) to the page.
func (b *buffer) appendBytes(p []byte) {
	copy(b.data()[b.used:], p)
	b.used += len(p)
	b.deindex()
}

func (b *buffer) appendRec(hash uint32, rec []byte) {
	d := b.data()
	putRecHeader(d, b.used, hash, len(rec))
	copy(d[b.used+recHeaderSize:], rec)
	b.used += recHeaderSize + len(rec)
	b.recs++
	b.deindex()
}

// remove deletes size bytes at pos.
func (b *buffer) remove(pos, size int) {
	d := b.data()
	copy(d[pos:], d[pos+size:b.used])
	b.used -= size
	b.deindex()
}

// adjust records that the record at pos changed length by delta without
// moving any other record relative to its neighbours.
func (b *buffer) adjust(pos, delta int) {
	b.stain()
	if len(b.adj) >= maxAdjust {
		b.flag = Set(b.flag, dirtyIndex)
		return
	}
	b.adj = append(b.adj, adjustment{pos, delta})
}

// fresh turns the buffer into an empty page numbered pgno.
func (b *buffer) fresh(pgno uint32) {
	for i := range b.page {
		b.page[i] = 0
	}
	b.pgno = pgno
	b.next, b.used, b.recs, b.orig = 0, 0, 0, 0
	b.hsize = 0
	b.scrub()
	b.deindex()
}

// each calls fn for every record; it stops at the first malformed one and
// reports its offset, or used when all records are well formed.
func (b *buffer) each(fn func(off, size int) bool) int {
	d := b.data()
	off := 0
	for off < b.used {
		size := recAt(d, off, b.used)
		if size == 0 {
			return off
		}
		if fn != nil && !fn(off, size) {
			return off
		}
		off += size
	}
	return off
}

// pageInfo is the (pgno, used, recs) triple used to remember the tail page.
type pageInfo struct {
	pgno uint32
	used int
	recs int
}
