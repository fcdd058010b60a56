package hxdb

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 256, "kv", ModeUpdate)
	want := fillKV(t, f, 1500, "value")
	for i := 0; i < 1500; i++ {
		if i%3 != 0 {
			_, err := f.Delete(kvKey(i))
			require.NoError(t, err)
			delete(want, i)
		}
	}
	before, err := f.Stat()
	require.NoError(t, err)

	require.NoError(t, f.Pack())
	after, err := f.Stat()
	require.NoError(t, err)
	assert.True(after.Pages < before.Pages, "%d pages before, %d after", before.Pages, after.Pages)
	assert.Equal(len(want), after.Records)
	assert.Equal(before.Hash, after.Hash)
	for i := 0; i < 1500; i++ {
		assertGet(t, f, kvKey(i), want[i])
	}
	checkClean(t, f)

	// the packed file still grows
	for i := 1500; i < 1800; i++ {
		_, err := f.Put(kvRecord(i, "value"))
		require.NoError(t, err)
	}
	checkClean(t, f)
}

func TestShapeGrow(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 256, "kv", ModeUpdate)
	want := fillKV(t, f, 1000, "value")
	before, err := f.Stat()
	require.NoError(t, err)

	require.NoError(t, f.Shape(0))
	after, err := f.Stat()
	require.NoError(t, err)
	assert.True(after.Pages >= before.Pages)
	assert.Equal(1000, after.Records)
	for i, rec := range want {
		assertGet(t, f, kvKey(i), rec)
	}
	checkClean(t, f)

	require.NoError(t, f.Shape(0.5))
	for i, rec := range want {
		assertGet(t, f, kvKey(i), rec)
	}
	checkClean(t, f)
}

func TestShapeErrors(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 256, "kv", ModeUpdate)
	assert.True(errors.Is(f.Shape(-1), ErrBadRequest))

	ro, err := Open(f.path, ModeRead, nil)
	require.NoError(t, err)
	defer ro.Close()
	assert.True(errors.Is(ro.Pack(), ErrBadRequest))

	mm, err := Open(f.path, ModeUpdate|ModeMmap, nil)
	require.NoError(t, err)
	defer mm.Close()
	assert.True(errors.Is(mm.Shape(1), ErrBadRequest))
}
