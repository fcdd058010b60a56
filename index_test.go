package hxdb

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestIndex(t *testing.T) {
	assert := assertion.New(t)
	f := &File{pgsize: 64, dsize: 56, codec: CharCodec{}}
	b := newBuffer(f.pgsize)
	b.fresh(1)
	b.appendRec('A', []byte("AAx"))
	b.appendRec('B', []byte("BBy"))
	b.appendRec('A', []byte("ACz"))
	f.reindex(b, false)
	b.scrub()
	assert.Equal(14, b.hsize)
	assert.True(f.indexed(b))

	for key, off := range map[string]int{"AA": 0, "BB": 9, "AC": 18} {
		pos, _ := f.find(b, f.codec.Hash([]byte(key)), []byte(key))
		assert.Equal(off, pos, key)
	}
	pos, _ := f.find(b, 'A', []byte("AZ"))
	assert.Equal(-1, pos)

	// lengthen the first record in place by one byte
	d := b.data()
	copy(d[10:], d[9:b.used])
	copy(d[recHeaderSize:], "AAxy")
	putRecHeader(d, 0, 'A', 4)
	b.used++
	b.adjust(0, 1)
	f.reindex(b, false)
	assert.Equal(14, b.hsize)
	assert.True(f.indexed(b))

	want := make([]byte, len(f.indexArea(b)))
	indexify(b, want)
	assert.Equal(want, f.indexArea(b))
	pos, _ = f.find(b, 'A', []byte("AC"))
	assert.Equal(19, pos)
}

func TestIndexSlots(t *testing.T) {
	assert := assertion.New(t)
	assert.Equal(1, homeSlot('A', 14))
	assert.Equal(7, homeSlot(15, 14))
	assert.Equal(13, prevSlot(0, 14))
	assert.Equal(4, prevSlot(5, 14))
	assert.Equal(8, minIndexBytes(3))
	assert.Equal(4, minIndexBytes(1))
}
