package hxdb

import (
	"os"
	"testing"

	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStat(t *testing.T) {
	assert := assertion.New(t)
	f := openNew(t, 128, "kv", ModeUpdate)
	var hash uint32
	for i := 0; i < 400; i++ {
		rec := kvRecord(i, "value")
		_, err := f.Put(rec)
		require.NoError(t, err)
		hash ^= KVCodec{}.Hash(rec)
	}

	st, err := f.Stat()
	require.NoError(t, err)
	fi, err := os.Stat(f.path)
	require.NoError(t, err)
	assert.Equal(400, st.Records)
	assert.Equal(hash, st.Hash)
	assert.Equal(int(fi.Size()/128), st.Pages)

	heads, chains, slots, shared := 0, 0, 0, 0
	for pg := 1; pg < st.Pages; pg++ {
		if isHead(uint32(pg)) {
			heads++
		} else {
			slots++
		}
	}
	for _, n := range st.ChainHist {
		chains += n
	}
	for _, n := range st.ShareHist {
		shared += n
	}
	assert.Equal(heads, chains)
	assert.Equal(slots, shared)
	assert.Equal(st.OverflowPages, slots-st.ShareHist[0])
	assert.Equal(400*len(kvRecord(0, "value"))+6*400, st.HeadBytes+st.OverflowBytes)
	assert.True(st.AvgFailPages >= st.AvgSuccPages)
	assert.True(st.AvgSuccPages > 0)
}
