package hxdb

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Codec gives meaning to the records of a file. Records are opaque to the
// engine; it only asks the codec whether two records share a key, what a
// record's hash is and whether a record is well formed.
type Codec interface {
	// Diff reports whether a and b have different keys.
	Diff(a, b []byte) bool
	// Hash returns the hash of rec's key.
	Hash(rec []byte) uint32
	// Load appends the record parsed from a text line to dst.
	Load(dst, line []byte) ([]byte, error)
	// Save appends the text form of rec to dst.
	Save(dst, rec []byte) []byte
	// Test reports whether rec is a valid record.
	Test(rec []byte) bool
}

// Factory builds the codec for a file from its user data.
type Factory func(udata []byte) Codec

// Registry maps record type names to codec factories. The type name of a
// file is its user data up to the first NUL.
type Registry map[string]Factory

// Lookup returns the codec for a file with the given user data, or nil.
func (r Registry) Lookup(udata []byte) Codec {
	name := udata
	if i := bytes.IndexByte(udata, 0); i >= 0 {
		name = udata[:i]
	}
	if fn, ok := r[string(name)]; ok {
		return fn(udata)
	}
	return nil
}

// DefaultRegistry knows the built-in record types.
var DefaultRegistry = Registry{
	"ch": func([]byte) Codec { return CharCodec{} },
	"kv": func([]byte) Codec { return KVCodec{} },
}

var errBadLine = errors.New("line is not a valid record")

// CharCodec handles printable text records keyed by their first two
// bytes. The hash is the first byte.
type CharCodec struct{}

func (CharCodec) Diff(a, b []byte) bool {
	return len(a) < 2 || len(b) < 2 || a[0] != b[0] || a[1] != b[1]
}

func (CharCodec) Hash(rec []byte) uint32 {
	if len(rec) == 0 {
		return 0
	}
	return uint32(rec[0])
}

func (c CharCodec) Load(dst, line []byte) ([]byte, error) {
	if !c.Test(line) {
		return dst, errBadLine
	}
	return append(dst, line...), nil
}

func (CharCodec) Save(dst, rec []byte) []byte { return append(dst, rec...) }

func (CharCodec) Test(rec []byte) bool {
	if len(rec) < 2 {
		return false
	}
	for _, c := range rec {
		if c < ' ' || c > '~' {
			return false
		}
	}
	return true
}

// KVCodec handles key/value records stored as "key\x00value\x00" and
// written as "key\tvalue" lines.
type KVCodec struct{}

func (KVCodec) key(rec []byte) []byte {
	if i := bytes.IndexByte(rec, 0); i >= 0 {
		return rec[:i]
	}
	return rec
}

func (c KVCodec) Diff(a, b []byte) bool { return !bytes.Equal(c.key(a), c.key(b)) }

func (c KVCodec) Hash(rec []byte) uint32 {
	h := xxhash.Sum64(c.key(rec))
	return uint32(h) ^ uint32(h>>32)
}

func (c KVCodec) Load(dst, line []byte) ([]byte, error) {
	i := bytes.IndexByte(line, '\t')
	if i < 0 || bytes.IndexByte(line, 0) >= 0 || bytes.IndexByte(line, '\n') >= 0 {
		return dst, errBadLine
	}
	dst = append(dst, line[:i]...)
	dst = append(dst, 0)
	dst = append(dst, line[i+1:]...)
	return append(dst, 0), nil
}

func (c KVCodec) Save(dst, rec []byte) []byte {
	key := c.key(rec)
	dst = append(dst, key...)
	if len(key) < len(rec) {
		dst = append(dst, '\t')
		dst = append(dst, bytes.TrimSuffix(rec[len(key)+1:], []byte{0})...)
	}
	return dst
}

func (KVCodec) Test(rec []byte) bool {
	return len(rec) >= 2 && rec[len(rec)-1] == 0 &&
		bytes.Count(rec, []byte{0}) == 2 && bytes.IndexByte(rec, '\n') < 0
}
