package hxdb

import "golang.org/x/sys/unix"

// Get copies the record whose key matches key into dst, truncated to
// len(dst). It returns the stored length, which may exceed len(dst), or 0
// when there is no such record.
func (f *File) Get(key, dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get("get", key, dst, false)
}

// Hold is Get that leaves the key's head page locked for update until the
// next Put of that key, an operation on another key, or Release.
func (f *File) Hold(key, dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil && (f.mode&ModeUpdate == 0 || f.scanning()) {
		return 0, newError(CodeBadRequest, "hold")
	}
	return f.get("hold", key, dst, true)
}

func (f *File) get(op string, key, dst []byte, hold bool) (n int, err error) {
	if key == nil {
		return 0, newError(CodeBadRequest, op)
	}
	l, err := f.enter(op, key)
	if err != nil {
		return 0, err
	}
	defer l.leave(&err)

	if hold {
		defer func() {
			if err != nil {
				f.hold, l.mylock = 0, true
			}
		}()
		if err = l.lockset(lockHigh); err != nil {
			return 0, err
		}
		f.hold = l.head
	} else {
		l.mode = unix.F_RDLCK
		if err = l.lockset(lockHead); err != nil {
			return 0, err
		}
	}
	if err = l.remap(); err != nil {
		return 0, err
	}
	if n, err = l.get(key, dst); err == nil && hold {
		err = l.dropPages()
	}
	return n, err
}

// get searches the key's chain. The caller holds the locks.
func (l *local) get(key, dst []byte) (int, error) {
	b := l.buf[0]
	next := l.head
	for loops := MaxChain; ; {
		if loops--; loops == 0 {
			return 0, l.corrupt("chain from %d longer than %d pages", l.head, MaxChain)
		}
		if err := l.load(b, next); err != nil {
			return 0, err
		}
		if pos, _ := l.f.find(b, l.hash, key); pos >= 0 {
			d := b.data()
			copy(dst, recData(d, pos))
			return recLen(d, pos), nil
		}
		if next = b.next; next == 0 {
			return 0, nil
		}
	}
}
