package hxdb

import (
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fillKV puts n kv records and returns them by key index.
func fillKV(t *testing.T, f *File, n int, value string) map[int]string {
	want := make(map[int]string, n)
	for i := 0; i < n; i++ {
		rec := kvRecord(i, value)
		_, err := f.Put(rec)
		require.NoError(t, err)
		want[i] = string(rec)
	}
	return want
}

func scanAll(t *testing.T, f *File) []string {
	var got []string
	buf := make([]byte, f.MaxRec())
	for {
		n, err := f.Next(buf)
		require.NoError(t, err)
		if n == 0 {
			return got
		}
		got = append(got, string(buf[:n]))
	}
}

func values(m map[int]string) []string {
	v := make([]string, 0, len(m))
	for _, s := range m {
		v = append(v, s)
	}
	return v
}

func TestNextRead(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 256, "kv", ModeUpdate)
	want := fillKV(t, f, 800, "value")

	ro, err := Open(f.path, ModeRead, nil)
	require.NoError(t, err)
	defer ro.Close()
	assert.ElementsMatch(values(want), scanAll(t, ro))
	// a finished scan starts over
	assert.ElementsMatch(values(want), scanAll(t, ro))

	// the stored length comes back even when dst is short
	buf := make([]byte, 3)
	n, err := ro.Next(buf)
	assert.NoError(err)
	assert.Equal(len(kvRecord(0, "value")), n)
	assert.Equal("key", string(buf))
	assert.NoError(ro.Release())
	assert.ElementsMatch(values(want), scanAll(t, ro))
}

func TestNextUpdate(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 256, "kv", ModeUpdate)
	want := fillKV(t, f, 600, "value")
	codec := KVCodec{}

	seen := map[string]int{}
	buf := make([]byte, f.MaxRec())
	for {
		n, err := f.Next(buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		rec := append([]byte(nil), buf[:n]...)
		line := string(codec.Save(nil, rec))
		seen[line]++

		i, err := strconv.Atoi(line[3:8])
		require.NoError(t, err)
		switch i % 3 {
		case 0:
			m, err := f.Delete(rec)
			require.NoError(t, err)
			assert.Equal(n, m)
			delete(want, i)
		case 1:
			// same length, other value
			next := []byte(strings.Replace(string(rec), "value", "VALUE", 1))
			m, err := f.Put(next)
			require.NoError(t, err)
			assert.Equal(n, m)
			want[i] = string(next)
		default:
			_, err = f.Put(kvRecord(i+1, "value"))
			assert.True(errors.Is(err, ErrBadRequest))
		}
	}
	assert.Equal(600, len(seen))
	for line, c := range seen {
		assert.Equal(1, c, line)
	}
	for i := 0; i < 600; i++ {
		assertGet(t, f, kvKey(i), want[i])
	}
	checkClean(t, f)
}

func TestNextRelease(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 64, "ch", ModeUpdate)
	for _, r := range chRecords(5, "v") {
		_, err := f.Put([]byte(r))
		require.NoError(t, err)
	}
	buf := make([]byte, f.MaxRec())
	n, err := f.Next(buf)
	assert.NoError(err)
	assert.NotZero(n)
	_, err = f.Hold([]byte("Ax"), nil)
	assert.True(errors.Is(err, ErrBadRequest))
	assert.NoError(f.Release())
	assert.NoError(f.Release())

	n, err = f.Hold([]byte("Ax"), buf)
	assert.NoError(err)
	assert.Equal("Ax v 0", string(buf[:n]))
	_, err = f.Put([]byte("Ax w 0"))
	assert.NoError(err)
	assertGet(t, f, []byte("Ax"), "Ax w 0")
	assert.Len(scanAll(t, f), 5)
}
