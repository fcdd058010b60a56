package hxdb

import (
	"math/rand"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestDirectory(t *testing.T) {
	assert := assertion.New(t)
	assert.Equal([]uint32{1, 2, 3, 5, 6, 7, 9}, []uint32{d2f(0), d2f(1), d2f(2), d2f(3), d2f(4), d2f(5), d2f(6)})
	for d := uint32(0); d < 5000; d++ {
		pg := d2f(d)
		assert.True(isHead(pg))
		assert.Equal(d, f2d(pg))
	}
	assert.Equal([]uint32{0, 0, 1, 3, 3, 7}, []uint32{maskOf(0), maskOf(1), maskOf(2), maskOf(3), maskOf(4), maskOf(5)})
	assert.Equal(uint32(1<<20-1), maskOf(1<<20))
}

func TestHeadOf(t *testing.T) {
	assert := assertion.New(t)
	rnd := rand.New(rand.NewSource(1))
	hashes := make([]uint32, 2000)
	for i := range hashes {
		hashes[i] = rnd.Uint32()
	}
	for n := uint32(1); n < 300; n++ {
		newpg := d2f(n)
		from := splitOf(newpg)
		assert.True(from < newpg)
		for _, h := range hashes {
			old := headOf(h, n, maskOf(n))
			assert.True(old < newpg)
			if cur := headOf(h, n+1, maskOf(n+1)); cur != old {
				// growing by one head moves records only from the split chain
				assert.Equal(newpg, cur, "n=%d hash=%08x", n, h)
				assert.Equal(from, old, "n=%d hash=%08x", n, h)
			}
		}
	}
	// a one-byte hash lands on the first head of a small file
	assert.Equal(uint32(1), headOf('A', 7, maskOf(7)))
}

func TestSplitTargets(t *testing.T) {
	assert := assertion.New(t)
	f := &File{pgsize: 64, udata: []byte("ch"), uleng: 2}
	f.setGeometry()
	// pages 5, 6 and 7 are appended before overflow slot 8
	assert.Equal([]uint32{2, 1}, f.splitTargets(5))
	assert.Equal([]uint32{1}, f.splitTargets(2))
}

func TestMaps(t *testing.T) {
	assert := assertion.New(t)
	f := &File{pgsize: 64, udata: []byte("ch"), uleng: 2}
	f.setGeometry()
	assert.Equal(56, f.dsize)
	assert.Equal(uint32(1728), f.map1)

	assert.True(f.isMap(0))
	assert.True(f.isMap(1728))
	assert.True(f.isMap(3520))
	assert.False(f.isMap(4))
	assert.False(f.isMap(1792))
	assert.Equal(uint32(1728), f.nextMap(0))
	assert.Equal(uint32(3520), f.nextMap(1728))

	m, bit := f.mapOf(4)
	assert.Equal(uint32(0), m)
	assert.Equal(17, bit)
	m, bit = f.mapOf(1724)
	assert.Equal(uint32(0), m)
	assert.Equal(f.dsize-1, bit>>3)
	m, bit = f.mapOf(1732)
	assert.Equal(uint32(1728), m)
	assert.Equal(1, bit)
	m, bit = f.mapOf(3524)
	assert.Equal(uint32(3520), m)
	assert.Equal(1, bit)
	m, bit = f.mapOf(3516)
	assert.Equal(uint32(1728), m)
	assert.Equal(f.dsize-1, bit>>3)
}
