package hxdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.hx")
}

// openNew creates a file and opens it with mode.
func openNew(t *testing.T, pgsize int, udata string, mode Mode) *File {
	path := testPath(t)
	require.NoError(t, Create(path, 0644, pgsize, []byte(udata)))
	f, err := Open(path, mode, nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// checkClean asserts that Check finds nothing wrong.
func checkClean(t *testing.T, f *File) {
	mode, report, err := f.Check()
	require.NoError(t, err)
	assertion.Equal(t, ModeUpdate, mode, "report: %s", report)
	assertion.Equal(t, 0, report.Total(), "report: %s", report)
}

func TestCreate(t *testing.T) {
	assert := assertion.New(t)
	path := testPath(t)

	for _, pgsize := range []int{16, 33, 100, MaxPageSize * 2} {
		err := Create(path, 0644, pgsize, nil)
		assert.True(errors.Is(err, ErrBadRequest), "pgsize %d", pgsize)
	}
	err := Create(path, 0644, 32, []byte("0123456789012345678901234"))
	assert.True(errors.Is(err, ErrBadRequest))
	_, err = os.Stat(path)
	assert.True(os.IsNotExist(err))

	assert.NoError(Create(path, 0644, 64, []byte("ch")))
	st, err := os.Stat(path)
	assert.NoError(err)
	assert.Equal(int64(128), st.Size())

	assert.NoError(Create(path, 0644, 0, []byte("kv")))
	f, err := Open(path, ModeRead, nil)
	assert.NoError(err)
	assert.True(validPageSize(f.PageSize()))
	assert.NoError(f.Close())
}

func TestOpen(t *testing.T) {
	assert := assertion.New(t)
	path := testPath(t)

	f, err := Open(path, ModeRead, nil)
	assert.Nil(f)
	assert.True(os.IsNotExist(err))

	require.NoError(t, Create(path, 0644, 64, []byte("ch")))
	f, err = Open(path, ModeRead|8192, nil)
	assert.Nil(f)
	assert.True(errors.Is(err, ErrBadRequest))

	f, err = Open(path, ModeUpdate, nil)
	require.NoError(t, err)
	assert.Equal(64, f.PageSize())
	assert.Equal([]byte("ch"), f.Info())
	assert.Equal(46, f.MaxRec())
	assert.Equal(uint32(1728), f.map1)
	assert.IsType(CharCodec{}, f.codec)
	assert.NoError(f.Close())
	assert.NoError(f.Close())

	_, err = f.Get([]byte("AB"), nil)
	assert.True(errors.Is(err, ErrBadRequest))
}

func TestOpenGarbage(t *testing.T) {
	assert := assertion.New(t)
	path := testPath(t)
	require.NoError(t, os.WriteFile(path, []byte("this is not a hash file at all"), 0644))

	f, err := Open(path, ModeRead, nil)
	assert.Nil(f)
	assert.True(errors.Is(err, ErrBadFile))
	assert.Equal(CodeBadFile, CodeOf(err))

	f, err = Open(path, ModeCheck, nil)
	require.NoError(t, err)
	assert.Equal(0, f.PageSize())
	_, err = f.Get([]byte("AB"), nil)
	assert.True(errors.Is(err, ErrBadFile))
	assert.NoError(f.Close())
}

func TestCodeOf(t *testing.T) {
	assert := assertion.New(t)
	assert.Equal(Code(0), CodeOf(nil))
	assert.Equal(CodeBadFile, CodeOf(errors.New("foreign")))
	err := wrapError(CodeRead, "get", os.ErrClosed)
	assert.Equal(CodeRead, CodeOf(errors.Wrap(err, "outer")))
	assert.Equal(os.ErrClosed, errors.Cause(err))
	assert.Equal("get: read: file already closed", err.Error())
	assert.Equal("bad request", CodeBadRequest.String())
}

func TestBind(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 64, "zz", ModeUpdate)
	assert.Nil(f.codec)

	_, err := f.Put([]byte("AB record"))
	assert.True(errors.Is(err, ErrBadRequest))

	f.Bind(CharCodec{})
	n, err := f.Put([]byte("AB record"))
	assert.NoError(err)
	assert.Equal(0, n)
	buf := make([]byte, 16)
	n, err = f.Get([]byte("AB"), buf)
	assert.NoError(err)
	assert.Equal("AB record", string(buf[:n]))
}

func TestWriteFailure(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 64, "ch", ModeUpdate)
	injected := errors.New("disk on fire")
	f.ops.writeAt = func([]byte, int64) (int, error) { return 0, injected }

	_, err := f.Put([]byte("AB record"))
	assert.True(errors.Is(err, ErrWrite))
	assert.Equal(injected, errors.Cause(err))
	assert.Equal("put", err.(*Error).Op)
}
