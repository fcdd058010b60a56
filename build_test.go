package hxdb

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvInput returns n kv lines, then a second value for every tenth key.
func kvInput(n int) (string, map[int]string) {
	var sb strings.Builder
	want := make(map[int]string, n)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "key%05d\tvalue%d\n", i, i)
		want[i] = string(kvRecord(i, fmt.Sprintf("value%d", i)))
	}
	for i := 0; i < n; i += 10 {
		fmt.Fprintf(&sb, "key%05d\tnew%d\n", i, i)
		want[i] = string(kvRecord(i, fmt.Sprintf("new%d", i)))
	}
	return sb.String(), want
}

func TestBuild(t *testing.T) {
	for _, tc := range []struct {
		name   string
		n      int
		mem    int
		pgsize int
		alg    CompressAlgorithm
	}{
		{"memory", 3000, 1 << 20, 256, CompSnappy},
		{"snappy", 6000, MinBuildMem, 256, CompSnappy},
		{"lz4", 6000, MinBuildMem, 256, CompLz4},
		{"none", 6000, MinBuildMem, 1024, CompNone},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert := assertion.New(t)
			path := testPath(t)
			require.NoError(t, Create(path, 0644, tc.pgsize, []byte("kv")))
			f, err := Open(path, ModeUpdate, &Options{Compression: tc.alg, TempDir: t.TempDir()})
			require.NoError(t, err)
			defer f.Close()

			_, err = f.Put(kvRecord(999999, "gone"))
			require.NoError(t, err)

			input, want := kvInput(tc.n)
			require.NoError(t, f.Build(strings.NewReader(input), tc.mem, 0))
			for i := 0; i < tc.n; i++ {
				assertGet(t, f, kvKey(i), want[i])
			}
			assertGet(t, f, kvKey(999999), "")
			checkClean(t, f)

			st, err := f.Stat()
			require.NoError(t, err)
			assert.Equal(tc.n, st.Records)

			// the built file takes ordinary updates
			for i := tc.n; i < tc.n+200; i++ {
				_, err := f.Put(kvRecord(i, "later"))
				require.NoError(t, err)
			}
			assertGet(t, f, kvKey(tc.n+100), string(kvRecord(tc.n+100, "later")))
			checkClean(t, f)
		})
	}
}

func TestBuildSizeHint(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 256, "kv", ModeUpdate)
	input, want := kvInput(500)

	require.NoError(t, f.Build(strings.NewReader(input), MinBuildMem, int64(len(input))*4))
	st, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(500, st.Records)
	big := st.Pages

	require.NoError(t, f.Build(strings.NewReader(input), MinBuildMem, 0))
	st, err = f.Stat()
	require.NoError(t, err)
	assert.True(big > st.Pages, "%d pages with the hint, %d without", big, st.Pages)
	for i := 0; i < 500; i++ {
		assertGet(t, f, kvKey(i), want[i])
	}
	checkClean(t, f)
}

func TestBuildEmpty(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 256, "kv", ModeUpdate)
	fillKV(t, f, 300, "value")

	require.NoError(t, f.Build(bytes.NewReader(nil), MinBuildMem, 0))
	st, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(0, st.Records)
	assert.Equal(2, st.Pages)
	checkClean(t, f)
	assertGet(t, f, kvKey(7), "")
}

func TestBuildErrors(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 256, "kv", ModeUpdate)
	_, err := f.Put(kvRecord(1, "kept"))
	require.NoError(t, err)

	err = f.Build(strings.NewReader("a\tb\n"), MinBuildMem-1, 0)
	assert.True(errors.Is(err, ErrBadRequest))
	err = f.Build(nil, MinBuildMem, 0)
	assert.True(errors.Is(err, ErrBadRequest))
	err = f.Build(strings.NewReader("good\tline\nbad line\n"), MinBuildMem, 0)
	assert.True(errors.Is(err, ErrBadRecord))
	err = f.Build(strings.NewReader("long\t"+strings.Repeat("x", 300)+"\n"), MinBuildMem, 0)
	assert.True(errors.Is(err, ErrBadRecord))
	assertGet(t, f, kvKey(1), string(kvRecord(1, "kept")))

	ro, err := Open(f.path, ModeRead, nil)
	require.NoError(t, err)
	defer ro.Close()
	err = ro.Build(strings.NewReader("a\tb\n"), MinBuildMem, 0)
	assert.True(errors.Is(err, ErrBadRequest))
}

func TestCompareEntries(t *testing.T) {
	assert := assertion.New(t)
	a := &entry{head: 1, hash: 5, seq: 0}
	assert.Equal(0, compareEntries(a, a))
	assert.Equal(-1, compareEntries(a, &entry{head: 2}))
	assert.Equal(1, compareEntries(a, &entry{head: 1, hash: 4, seq: 9}))
	assert.Equal(-1, compareEntries(a, &entry{head: 1, hash: 5, seq: 1}))
}
