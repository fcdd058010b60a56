package hxdb

import "golang.org/x/sys/unix"

// Stat summarizes the layout of a file.
type Stat struct {
	Records       int
	Pages         int
	Hash          uint32 // xor of every record's hash
	HeadBytes     int
	OverflowBytes int
	OverflowPages int

	// Expected page reads for a lookup that finds its record, and for one
	// that does not.
	AvgSuccPages float64
	AvgFailPages float64

	// ChainHist[n] counts chains of n overflow pages; the last bucket
	// takes every longer one.
	ChainHist [MaxChain + 1]int
	// ShareHist[n] counts overflow pages holding records of n heads.
	ShareHist [MaxShare + 1]int
}

// Stat walks every page under a shared lock of the whole file.
func (f *File) Stat() (st *Stat, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, err := f.enter("stat", nil)
	if err != nil {
		return nil, err
	}
	defer l.leave(&err)
	l.mode = unix.F_RDLCK
	if err = l.lockFile(); err != nil {
		return nil, err
	}
	if err = l.size(); err != nil {
		return nil, err
	}

	st = &Stat{Pages: int(l.npages)}
	l.initRefs()
	b := l.buf[0]
	for pg := uint32(1); pg < l.npages; pg++ {
		if f.isMap(pg) {
			continue
		}
		if err = l.load(b, pg); err != nil {
			return nil, err
		}
		l.setRef(pg, b.next)
		if isHead(pg) {
			st.HeadBytes += b.used
		} else if b.used != 0 {
			st.OverflowPages++
			st.OverflowBytes += b.used
		}
		d := b.data()
		b.each(func(off, _ int) bool {
			st.Records++
			st.Hash ^= recHash(d, off)
			return true
		})
		if !isHead(pg) {
			n := len(l.findHeads(b))
			if n > MaxShare {
				n = MaxShare
			}
			st.ShareHist[n]++
		}
	}

	for pg := uint32(1); pg < l.npages; pg++ {
		if !isHead(pg) {
			continue
		}
		n := 0
		for j := l.vnext[pg]; j != 0 && n < MaxChain; j = l.vnext[j] {
			n++
		}
		st.ChainHist[n]++
	}

	var fail, succ float64
	for i, n := range st.ChainHist {
		fail += float64(n * (i + 1))
		succ += float64(n * ((i + 2) / 2))
	}
	if nchains := float64(l.npages * (pageRate - 1) / pageRate); nchains > 0 {
		st.AvgFailPages = fail / nchains
		st.AvgSuccPages = succ / nchains
	}
	return st, nil
}
