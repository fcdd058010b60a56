package hxdb

import (
	"bufio"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
)

// CompressAlgorithm selects how Build compresses its temporary streams.
type CompressAlgorithm uint16

const (
	CompSnappy CompressAlgorithm = iota // default
	CompNone
	CompLz4
)

func (c CompressAlgorithm) String() string {
	switch c {
	case CompSnappy:
		return "snappy"
	case CompNone:
		return "none"
	case CompLz4:
		return "lz4"
	}
	return "unknown"
}

type flushCloser struct {
	*bufio.Writer
}

func (w flushCloser) Close() error { return w.Flush() }

func (c CompressAlgorithm) writer(w io.Writer) io.WriteCloser {
	switch c {
	case CompNone:
		return flushCloser{bufio.NewWriter(w)}
	case CompLz4:
		zw := lz4.NewWriter(w)
		zw.NoChecksum = true
		return zw
	}
	return snappy.NewBufferedWriter(w)
}

func (c CompressAlgorithm) reader(r io.Reader) io.Reader {
	switch c {
	case CompNone:
		return bufio.NewReader(r)
	case CompLz4:
		return lz4.NewReader(r)
	}
	return snappy.NewReader(r)
}

// spill is a temporary stream of records in their on-disk form. The file
// is removed when the call that created it leaves.
type spill struct {
	file  *os.File
	w     io.WriteCloser
	alg   CompressAlgorithm
	bytes int
	recs  int
}

func (l *local) newSpill(alg CompressAlgorithm) (*spill, error) {
	f := l.f
	file, err := os.CreateTemp(f.options.TempDir, "hxdb-*.tmp")
	if err != nil {
		return nil, l.fail(CodeCreate, err)
	}
	l.cleanup = append(l.cleanup, func() error {
		_ = file.Close()
		return os.Remove(file.Name())
	})
	f.log.Debugf("%s: spill %s (%s)", l.op, file.Name(), alg)
	return &spill{file: file, w: alg.writer(file), alg: alg}, nil
}

// write appends one record, header included.
func (s *spill) write(rec []byte) error {
	if _, err := s.w.Write(rec); err != nil {
		return err
	}
	s.bytes += len(rec)
	s.recs++
	return nil
}

// reader ends writing and returns the records from the start.
func (s *spill) reader() (io.Reader, error) {
	if err := s.w.Close(); err != nil {
		return nil, err
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return s.alg.reader(bufio.NewReader(s.file)), nil
}

// readRec reads the next record into buf, returning io.EOF at the end
// of the stream.
func readRec(r io.Reader, buf []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, buf[:recHeaderSize]); err != nil {
		return nil, err
	}
	size := recSize(buf, 0)
	if size > len(buf) {
		return nil, io.ErrUnexpectedEOF
	}
	if _, err := io.ReadFull(r, buf[recHeaderSize:size]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf[:size], nil
}
