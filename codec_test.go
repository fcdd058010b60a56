package hxdb

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestCharCodec(t *testing.T) {
	assert := assertion.New(t)
	var c CharCodec
	assert.True(c.Test([]byte("AB")))
	assert.False(c.Test([]byte("A")))
	assert.False(c.Test([]byte("AB\tC")))
	assert.False(c.Diff([]byte("ABcd"), []byte("ABxyz")))
	assert.True(c.Diff([]byte("ABcd"), []byte("ACcd")))
	assert.Equal(uint32('Q'), c.Hash([]byte("QRS")))

	rec, err := c.Load(nil, []byte("AB record"))
	assert.NoError(err)
	assert.Equal("AB record", string(c.Save(nil, rec)))
	_, err = c.Load(nil, []byte("A\x01"))
	assert.Error(err)
}

func TestKVCodec(t *testing.T) {
	assert := assertion.New(t)
	var c KVCodec
	rec, err := c.Load([]byte("pre"), []byte("key\tsome value"))
	assert.NoError(err)
	assert.Equal("prekey\x00some value\x00", string(rec))
	rec = rec[3:]
	assert.True(c.Test(rec))
	assert.Equal("key\tsome value", string(c.Save(nil, rec)))

	other, _ := c.Load(nil, []byte("key\tother"))
	assert.False(c.Diff(rec, other))
	assert.Equal(c.Hash(rec), c.Hash(other))
	assert.Equal(c.Hash(rec), c.Hash([]byte("key\x00\x00")))
	keyb, _ := c.Load(nil, []byte("kez\tsome value"))
	assert.True(c.Diff(rec, keyb))

	_, err = c.Load(nil, []byte("no tab here"))
	assert.Error(err)
	assert.False(c.Test([]byte("a\x00b")))
	assert.False(c.Test([]byte("a\x00b\x00c\x00")))
}

func TestRegistry(t *testing.T) {
	assert := assertion.New(t)
	assert.IsType(CharCodec{}, DefaultRegistry.Lookup([]byte("ch")))
	assert.IsType(KVCodec{}, DefaultRegistry.Lookup([]byte("kv\x00comment")))
	assert.Nil(DefaultRegistry.Lookup([]byte("chx")))
	assert.Nil(DefaultRegistry.Lookup(nil))

	var got []byte
	reg := Registry{"mine": func(udata []byte) Codec {
		got = udata
		return CharCodec{}
	}}
	path := testPath(t)
	assert.NoError(Create(path, 0644, 128, []byte("mine\x00v2")))
	f, err := Open(path, ModeRead, &Options{Registry: reg})
	assert.NoError(err)
	assert.Equal([]byte("mine\x00v2"), got)
	assert.NoError(f.Close())
}
