package hxdb

// entry is one record of a bulk load, placed by the head it belongs to.
type entry struct {
	head uint32
	hash uint32
	seq  int    // input order
	rec  []byte // header and data
}

func (e *entry) data() []byte { return e.rec[recHeaderSize:] }

// compareEntries orders entries by head, so that each chain is built in
// one pass, then by hash, so that duplicate keys are adjacent, then by
// input order.
func compareEntries(a, b *entry) int {
	switch {
	case a.head < b.head:
		return -1
	case a.head > b.head:
		return 1
	case a.hash < b.hash:
		return -1
	case a.hash > b.hash:
		return 1
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}
