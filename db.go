package hxdb

import (
	"bytes"
	"os"
	"sync"
	"syscall"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Mode selects what a handle may do and how it touches the file.
type Mode int

const (
	ModeRead     Mode = 0
	ModeUpdate   Mode = 1
	ModeRecover  Mode = 2 // accept a damaged root so Fix can repair it
	ModeMmap     Mode = 4 // access pages through a shared mapping
	ModeMprotect Mode = 8 // keep the mapping PROT_NONE outside calls
	ModeFsync    Mode = 16

	ModeCheck  = ModeRecover | ModeRead
	ModeRepair = ModeRecover | ModeUpdate

	modeMask = ModeRepair | ModeMmap | ModeMprotect | ModeFsync
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeUpdate:
		return "update"
	case ModeRepair:
		return "repair"
	case ModeCheck:
		return "check"
	}
	var buf bytes.Buffer
	for _, x := range []struct {
		m    Mode
		name string
	}{{ModeUpdate, "update"}, {ModeRecover, "recover"}, {ModeMmap, "mmap"},
		{ModeMprotect, "mprotect"}, {ModeFsync, "fsync"}} {
		if m&x.m != 0 {
			if buf.Len() > 0 {
				buf.WriteByte('|')
			}
			buf.WriteString(x.name)
		}
	}
	return buf.String()
}

// Options represents the options that can be set when opening a file.
type Options struct {
	// Logger receives diagnostics. Defaults to the logrus standard logger.
	Logger log.FieldLogger

	// Label is attached to every log entry of the handle, to tell apart
	// processes or goroutines sharing one file.
	Label string

	// Codec binds record behaviour explicitly. When nil, the codec is looked
	// up in Registry by the name stored in the file's udata.
	Codec Codec

	// Registry maps udata names to codec factories. Defaults to DefaultRegistry.
	Registry Registry

	// Compression is applied to the temporary streams written by Build.
	Compression CompressAlgorithm

	// TempDir holds Build's temporary streams. Empty means os.TempDir().
	TempDir string
}

var DefaultOptions = &Options{
	Compression: CompSnappy,
}

// File is an open hash file.
type File struct {
	mu sync.Mutex

	path    string
	file    *os.File
	mode    Mode
	pgsize  int
	dsize   int // pgsize - page header
	version uint16
	uleng   int
	udata   []byte
	map1    uint32

	codec   Codec
	options Options
	log     *log.Entry

	mm mmap.MMap

	// tail is the last overflow page saved with next == 0: a candidate
	// for sharing by a chain that needs one more page.
	tail pageInfo

	// hold is the head page kept locked by Hold, or pageRate when the
	// whole file is held by a scan or a maintenance routine.
	hold     uint32
	locked   uint8
	lockv    []uint32
	lockpart lockPart

	// scan cursor
	scan    *buffer
	scanPg  uint32 // head (update mode) or page (read mode) being scanned
	currpos int
	recsize int

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}
}

// Create initializes path as an empty hash file: a root page holding udata
// and the first bitmap, and one empty head page.
// A pageSize of 0 selects the block size of the file system.
func Create(path string, perm os.FileMode, pageSize int, udata []byte) error {
	if pageSize != 0 && !validPageSize(pageSize) {
		return newError(CodeBadRequest, "create")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, perm&os.ModePerm)
	if err != nil {
		return wrapError(CodeCreate, "create", err)
	}
	defer file.Close()

	if pageSize == 0 {
		var st syscall.Stat_t
		if err := syscall.Fstat(int(file.Fd()), &st); err != nil {
			return wrapError(CodeCreate, "create", err)
		}
		pageSize = int(st.Blksize)
		if !validPageSize(pageSize) {
			pageSize = DefaultPageSize
		}
	}
	if len(udata) >= pageSize-rootHeaderSize {
		_ = os.Remove(path)
		return newError(CodeBadRequest, "create")
	}

	buf := make([]byte, pageSize*2)
	putU16(buf, 0, pageSize)
	putU16(buf, 2, int(Version))
	putU16(buf, 4, len(udata))
	copy(buf[rootHeaderSize:], udata)
	buf[rootHeaderSize+len(udata)] = 0x01 // page 0 is allocated

	if _, err := file.WriteAt(buf, 0); err != nil {
		return wrapError(CodeWrite, "create", err)
	}
	if err := file.Sync(); err != nil {
		return wrapError(CodeFsync, "create", err)
	}
	return nil
}

// DefaultPageSize is used by Create when the file system block size is unusable.
var DefaultPageSize = 4096

func validPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}

func okVersion(v uint16) bool {
	return (v^Version)&0xFF00 == 0 && v&0x00FF <= Version&0x00FF
}

// Open opens an existing hash file. ModeRecover accepts a root page that
// fails validation, for Fix.
func Open(path string, mode Mode, options *Options) (*File, error) {
	if mode&^modeMask != 0 {
		return nil, newError(CodeBadRequest, "open")
	}
	if options == nil {
		options = DefaultOptions
	}

	f := &File{path: path, mode: mode, options: *options}
	logger := options.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	f.log = logger.WithField("file", path)
	if options.Label != "" {
		f.log = f.log.WithField("label", options.Label)
	}

	flag := os.O_RDONLY
	if mode&ModeUpdate != 0 {
		flag = os.O_RDWR
	}
	var err error
	if f.file, err = os.OpenFile(path, flag, 0); err != nil {
		return nil, err
	}
	f.ops.writeAt = f.file.WriteAt

	var hdr [rootHeaderSize]byte
	var size int64 = -1
	if _, err := f.file.ReadAt(hdr[:], 0); err == nil {
		f.pgsize = getU16(hdr[:], 0)
		f.version = uint16(getU16(hdr[:], 2))
		f.uleng = getU16(hdr[:], 4)
	}
	if validPageSize(f.pgsize) && f.uleng < f.pgsize-rootHeaderSize {
		f.udata = make([]byte, f.uleng)
		if _, err := f.file.ReadAt(f.udata, rootHeaderSize); err == nil {
			if st, err := f.file.Stat(); err == nil {
				size = st.Size()
			}
		} else {
			f.udata = nil
		}
	}

	valid := okVersion(f.version) && f.udata != nil &&
		size >= 2*int64(f.pgsize) && size%int64(f.pgsize) == 0
	if !valid && mode&ModeRecover == 0 {
		_ = f.file.Close()
		return nil, &Error{Code: CodeBadFile, Op: "open", Err: errors.WithStack(syscall.EBADF)}
	}
	if validPageSize(f.pgsize) {
		f.setGeometry()
	} else {
		f.pgsize = 0
	}

	if options.Codec != nil {
		f.codec = options.Codec
	} else if f.udata != nil {
		reg := options.Registry
		if reg == nil {
			reg = DefaultRegistry
		}
		f.codec = reg.Lookup(f.udata)
	}
	f.log.WithFields(log.Fields{"pgsize": f.pgsize, "uleng": f.uleng, "mode": mode}).Debug("open")
	return f, nil
}

// setGeometry derives the page-size dependent fields.
func (f *File) setGeometry() {
	f.dsize = f.pgsize - pageHeaderSize
	if f.udata == nil || f.uleng >= f.dsize {
		f.uleng, f.udata = 0, nil
	}
	f.map1 = 8 * pageRate * uint32(f.dsize-f.uleng)
	f.tail = pageInfo{used: f.dsize}
}

// Close releases the handle: its scan or hold, its mapping and its file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.close()
}

func (f *File) close() error {
	if f.file == nil {
		return nil
	}
	f.ops.writeAt = nil
	if f.mm != nil {
		if err := f.mm.Unmap(); err != nil {
			f.log.Warnf("close: munmap error: %s", err)
		}
		f.mm = nil
	}
	f.scan = nil
	f.hold = 0
	// Closing the descriptor drops every byte-range lock it holds.
	if err := f.file.Close(); err != nil {
		return errors.Wrap(err, "hx file closed")
	}
	f.file = nil
	return nil
}

// Bind supplies record behaviour after Open, replacing any codec found
// through the registry.
func (f *File) Bind(c Codec) {
	f.mu.Lock()
	f.codec = c
	f.mu.Unlock()
}

// Info returns the user data stored by Create.
func (f *File) Info() []byte {
	return append([]byte(nil), f.udata...)
}

// MaxRec is the largest record length Put accepts.
func (f *File) MaxRec() int {
	return f.dsize - recHeaderSize - minIndexBytes(1)
}

// Fd returns the descriptor, for pollers.
func (f *File) Fd() uintptr { return f.file.Fd() }

// PageSize returns the page size recorded in the root page.
func (f *File) PageSize() int { return f.pgsize }

func (f *File) held() bool { return f.hold == pageRate }

func (f *File) holdFile() {
	f.hold = pageRate
	f.locked = lockedFile
}

func (f *File) scanning() bool { return f.scan != nil }

// tracef logs per-page and per-lock traffic.
func (f *File) tracef(format string, args ...interface{}) {
	if f.log.Logger.IsLevelEnabled(log.TraceLevel) {
		f.log.Tracef(format, args...)
	}
}

// fits reports whether dused bytes and drecs records can be added to a
// page holding used bytes in recs records.
func (f *File) fits(used, recs, dused, drecs int) bool {
	return dused < 0 || used+dused+minIndexBytes(recs+drecs) <= f.dsize
}
