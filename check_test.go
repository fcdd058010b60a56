package hxdb

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patch(t *testing.T, path string, off int64, p []byte) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer file.Close()
	_, err = file.WriteAt(p, off)
	require.NoError(t, err)
}

func header(t *testing.T, path string, pgsize int, pg uint32) (next uint32, used, recs int) {
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	var hdr [pageHeaderSize]byte
	_, err = file.ReadAt(hdr[:], int64(pg)*int64(pgsize))
	require.NoError(t, err)
	return binary.LittleEndian.Uint32(hdr[:]), getU16(hdr[:], 4), getU16(hdr[:], 6)
}

func scratchFile(t *testing.T) *os.File {
	file, err := os.CreateTemp(t.TempDir(), "scratch")
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })
	return file
}

// chFile writes 15 ch records into a 64-byte page file. They all belong
// to head 1; chFile returns the pages of its chain.
func chFile(t *testing.T) (*File, []string, []uint32) {
	f := openNew(t, 64, "ch", ModeUpdate)
	recs := chRecords(15, "value")
	for _, r := range recs {
		_, err := f.Put([]byte(r))
		require.NoError(t, err)
	}
	chain := []uint32{1}
	for {
		next, used, _ := header(t, f.path, 64, chain[len(chain)-1])
		require.NotZero(t, used)
		if next == 0 {
			break
		}
		chain = append(chain, next)
	}
	require.True(t, len(chain) >= 4, "chain %v", chain)
	return f, recs, chain
}

// flipBit flips the map bit of overflow page pg.
func flipBit(t *testing.T, f *File, pg uint32) {
	m, bit := f.mapOf(pg)
	off := int64(m)*int64(f.pgsize) + pageHeaderSize + int64(bit>>3)
	file, err := os.OpenFile(f.path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer file.Close()
	var p [1]byte
	_, err = file.ReadAt(p[:], off)
	require.NoError(t, err)
	p[0] ^= 1 << uint(bit&7)
	_, err = file.WriteAt(p[:], off)
	require.NoError(t, err)
}

func assertRepaired(t *testing.T, f *File, recs []string) {
	mode, _, err := f.Fix(scratchFile(t), 0, nil)
	require.NoError(t, err)
	assertion.Equal(t, ModeUpdate, mode)
	checkClean(t, f)
	for _, r := range recs {
		assertGet(t, f, []byte(r[:2]), r)
	}
}

func TestCheckClean(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 64, "ch", ModeRead)
	mode, report, err := f.Check()
	assert.NoError(err)
	assert.Equal(ModeUpdate, mode)
	assert.Equal("ok", report.String())

	_, _, err = f.Fix(scratchFile(t), 0, nil)
	assert.True(errors.Is(err, ErrBadRequest))
}

func TestCheckShortUsed(t *testing.T) {
	assert := assertion.New(t)
	f, recs, chain := chFile(t)
	_, used, _ := header(t, f.path, 64, chain[1])
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], uint16(used-3))
	patch(t, f.path, int64(chain[1])*64+4, p[:])

	mode, report, err := f.Check()
	require.NoError(t, err)
	assert.Equal(ModeRepair, mode)
	assert.Equal(1, report.Count(BadRecSize))
	assert.Equal(1, report.Count(BadRecs))
	assertRepaired(t, f, recs)
}

func TestCheckZeroHeader(t *testing.T) {
	assert := assertion.New(t)
	f, recs, chain := chFile(t)
	patch(t, f.path, int64(chain[1])*64, make([]byte, pageHeaderSize))

	mode, report, err := f.Check()
	require.NoError(t, err)
	assert.Equal(ModeRepair, mode)
	assert.Equal(1, report.Count(BadIndex))
	assert.Equal(1, report.Count(BadUsedBit))
	assert.NotZero(report.Count(BadRefs))
	assertRepaired(t, f, recs)
}

func TestCheckFreeBit(t *testing.T) {
	assert := assertion.New(t)
	f, recs, chain := chFile(t)
	flipBit(t, f, chain[2])

	mode, report, err := f.Check()
	require.NoError(t, err)
	assert.Equal(ModeRead, mode)
	assert.Equal(1, report.Count(BadFreeBit))
	assert.Equal("bad_free_bit=1", report.String())
	assertRepaired(t, f, recs)
}

func TestCheckOrphans(t *testing.T) {
	assert := assertion.New(t)
	f, recs, chain := chFile(t)
	patch(t, f.path, 1*64, make([]byte, 4))

	mode, report, err := f.Check()
	require.NoError(t, err)
	assert.Equal(ModeRead, mode)
	assert.Equal(len(chain)-1, report.Count(BadOrphan))
	assert.Equal(len(chain)-2, report.Count(BadRefs))
	assertRepaired(t, f, recs)
}

func TestCheckLoop(t *testing.T) {
	assert := assertion.New(t)
	f, recs, chain := chFile(t)
	last := chain[len(chain)-1]
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], chain[1])
	patch(t, f.path, int64(last)*64, p[:])

	mode, report, err := f.Check()
	require.NoError(t, err)
	assert.Equal(ModeRepair, mode)
	assert.Equal(1, report.Count(BadLoop))
	assertRepaired(t, f, recs)
}

func TestFixRoot(t *testing.T) {
	assert := assertion.New(t)
	f, recs, _ := chFile(t)
	require.NoError(t, f.Close())
	patch(t, f.path, 0, []byte{0, 0})

	_, err := Open(f.path, ModeUpdate, nil)
	assert.True(errors.Is(err, ErrBadFile))
	g, err := Open(f.path, ModeRepair, nil)
	require.NoError(t, err)
	defer g.Close()

	mode, _, err := g.Check()
	assert.NoError(err)
	assert.Equal(ModeRepair, mode)

	mode, report, err := g.Fix(scratchFile(t), 64, []byte("ch"))
	require.NoError(t, err)
	assert.Equal(ModeUpdate, mode)
	assert.Equal(1, report.Count(BadRoot))
	require.NoError(t, g.Close())

	h, err := Open(f.path, ModeUpdate, nil)
	require.NoError(t, err)
	defer h.Close()
	checkClean(t, h)
	for _, r := range recs {
		assertGet(t, h, []byte(r[:2]), r)
	}
}

func TestAnomalies(t *testing.T) {
	assert := assertion.New(t)
	assert.Equal("bad_dup_recs", BadDupRecs.String())
	assert.Equal("bad_used", BadUsed.String())
	assert.False(BadUsedBit.Fatal())
	assert.True(BadIndex.Fatal())
	assert.Equal(ModeRead, (&Report{Counts: [numAnomalies]int{BadOrphan: 2}}).Mode())
}

// Every page in turn loses its header; Fix must bring back every record.
func TestFixLostHeaderSweep(t *testing.T) {
	src := openNew(t, 128, "kv", ModeUpdate)
	want := fillKV(t, src, 300, "value")
	st, err := src.Stat()
	require.NoError(t, err)
	data, err := os.ReadFile(src.path)
	require.NoError(t, err)

	for pg := uint32(1); pg < uint32(st.Pages); pg++ {
		if src.isMap(pg) {
			continue
		}
		t.Run(strconv.Itoa(int(pg)), func(t *testing.T) {
			assert := assertion.New(t)
			path := filepath.Join(t.TempDir(), "lost.hx")
			require.NoError(t, os.WriteFile(path, data, 0644))
			patch(t, path, int64(pg)*128, make([]byte, pageHeaderSize))
			f, err := Open(path, ModeUpdate, nil)
			require.NoError(t, err)
			defer f.Close()

			mode, report, err := f.Fix(scratchFile(t), 0, nil)
			require.NoError(t, err)
			assert.Equal(ModeUpdate, mode, "report: %s", report)
			checkClean(t, f)
			for i, rec := range want {
				assertGet(t, f, kvKey(i), rec)
			}
		})
	}
}

// Fix reports the state it leaves the file in, which a later Check agrees
// with.
func TestFixThenCheck(t *testing.T) {
	assert := assertion.New(t)
	f, recs, chain := chFile(t)
	for _, pg := range chain[1:] {
		patch(t, f.path, int64(pg)*64, make([]byte, pageHeaderSize))
	}
	mode, report, err := f.Fix(scratchFile(t), 0, nil)
	require.NoError(t, err)
	assert.NotZero(report.Total())
	again, _, err := f.Check()
	require.NoError(t, err)
	assert.Equal(again, mode)
	assert.Equal(ModeUpdate, mode)
	for _, r := range recs {
		assertGet(t, f, []byte(r[:2]), r)
	}
}

// fixedHash gives every record the hash 0x0101, whose two high bytes are
// zero, so that the length field read one byte early is zero.
type fixedHash struct{ KVCodec }

func (fixedHash) Hash([]byte) uint32 { return 0x0101 }

func TestRecoverResync(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 128, "kv", ModeUpdate)
	f.codec = fixedHash{}
	scratch := scratchFile(t)
	c := &checker{local: &local{f: f, op: "fix"}, scratch: scratch, report: &Report{}}

	for _, at := range []int{1, 2, 3} {
		require.NoError(t, scratch.Truncate(0))
		_, err := scratch.Seek(0, io.SeekStart)
		require.NoError(t, err)

		b := newBuffer(f.pgsize)
		d := b.data()
		rec := kvRecord(7, "x")
		putU32(d, at, 0x0101)
		putU16(d, at+4, len(rec))
		copy(d[at+recHeaderSize:], rec)
		require.NoError(t, c.recover(b))

		_, err = scratch.Seek(0, io.SeekStart)
		require.NoError(t, err)
		got, err := io.ReadAll(scratch)
		require.NoError(t, err)
		assert.Equal(d[at:at+recHeaderSize+len(rec)], got, "record at %d", at)
	}
}
