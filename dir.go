package hxdb

import (
	"math/bits"
	"sort"
)

// Directory math. A directory index d counts head pages only; d2f maps it to
// the page number, f2d maps a head page number back.

func d2f(d uint32) uint32 { return d*pageRate/(pageRate-1) + 1 }

func f2d(pg uint32) uint32 { return (pg - 1) - (pg-1)/pageRate }

// maskOf returns the smallest 2^n-1 covering [0, x-1].
func maskOf(x uint32) uint32 {
	if x <= 1 {
		return 0
	}
	return uint32(1)<<uint(bits.Len32(x-1)) - 1
}

func isHead(pg uint32) bool { return pg%pageRate != 0 }

// headOf computes the chain head for hash in a table of dpages heads.
// The hash is bit-reversed because its low bits drive the in-page index.
func headOf(hash, dpages, mask uint32) uint32 {
	pg := bits.Reverse32(hash) & mask
	if pg >= dpages {
		pg &= mask >> 1
	}
	return d2f(pg)
}

// splitOf returns the head whose chain is split when head page newpg is
// appended to the file.
func splitOf(newpg uint32) uint32 {
	d := f2d(newpg)
	return d2f(d - (maskOf(d+1)+1)>>1)
}

// splitTargets lists, in descending order, the heads that may be split
// while the file grows from npages through the next overflow slot:
// every head page appended before the next non-head, non-map page.
func (f *File) splitTargets(npages uint32) []uint32 {
	var v []uint32
	for pg := npages; isHead(pg) || f.isMap(pg); pg++ {
		if !isHead(pg) {
			continue
		}
		s := splitOf(pg)
		i := sort.Search(len(v), func(i int) bool { return v[i] <= s })
		if i < len(v) && v[i] == s {
			continue
		}
		v = append(v, 0)
		copy(v[i+1:], v[i:])
		v[i] = s
	}
	return v
}

// Map pages. Page 0 holds the first bitmap after udata; map1 is the first
// dedicated map page; later ones follow every 8*pageRate*dsize pages so that
// each map covers exactly the overflow slots up to the next.

func (f *File) perMap() uint32 { return 8 * pageRate * uint32(f.dsize) }

func (f *File) isMap(pg uint32) bool {
	return pg == 0 || pg == f.map1 ||
		(pg > f.map1 && (pg+8*pageRate*uint32(f.uleng))%f.perMap() == 0)
}

// mapOf returns the map page covering overflow page pg and the bit
// position of pg counted from the map page's data[0].
func (f *File) mapOf(pg uint32) (uint32, int) {
	if pg < f.map1 {
		return 0, int(pg/pageRate) + 8*f.uleng
	}
	ppm := f.perMap()
	mpg := pg - (pg-f.map1)%ppm
	return mpg, int((pg - mpg) / pageRate % ppm)
}

func (f *File) nextMap(mpg uint32) uint32 {
	if mpg == 0 {
		return f.map1
	}
	return mpg + f.perMap()
}
