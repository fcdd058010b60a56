package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"hxdb"

	log "github.com/sirupsen/logrus"
)

const usage = `usage: hxdb [-m] [-s] [-v] command hxfile [args]
commands:
	build  hxfile [text [megs [size]]]  replace the content with text records
	check  hxfile [pgsize [type]]       check the file, print the fitting mode
	create hxfile pgsize [type]         create an empty file
	del    hxfile [text]                delete the records with the keys in text
	fix    hxfile [pgsize [type]]       repair the file
	get    hxfile key...                print the records for keys
	info   hxfile                       print page size, type and limits
	load   hxfile [text]                add or replace records from text
	pack   hxfile                       shrink the file to its minimum size
	save   hxfile [text]                write the records as text
	shape  hxfile overload              resize for overload reads per miss
	stat   hxfile                       print chain and sharing statistics
'text' is a file of one record per line, or - for stdin.
`

var (
	useMmap  = flag.Bool("m", false, "access the file through mmap")
	useFsync = flag.Bool("s", false, "fsync after every update")
	verbose  = flag.Bool("v", false, "verbose diagnostics")
)

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if lvl, err := log.ParseLevel(os.Getenv("HXDEBUG")); err == nil {
		log.SetLevel(lvl)
	} else if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(args[0], args[1], args[2:]); err != nil {
		log.WithField("cmd", args[0]).Error(err)
		os.Exit(1)
	}
}

func openMode(mode hxdb.Mode) hxdb.Mode {
	if *useMmap {
		mode |= hxdb.ModeMmap
	}
	if *useFsync {
		mode |= hxdb.ModeFsync
	}
	return mode
}

func arg(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func input(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}

func output(name string) (io.WriteCloser, error) {
	if name == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(name)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func run(cmd, path string, args []string) error {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return fmt.Errorf("missing page size")
		}
		pgsize, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return hxdb.Create(path, 0644, pgsize, []byte(arg(args, 1, "")))
	case "check", "fix":
		return check(cmd, path, args)
	}

	mode := hxdb.ModeRead
	switch cmd {
	case "build", "del", "load", "pack", "shape":
		mode = hxdb.ModeUpdate
	}
	f, err := hxdb.Open(path, openMode(mode), nil)
	if err != nil {
		return err
	}
	defer f.Close()

	switch cmd {
	case "build":
		return build(f, args)
	case "del", "load":
		return update(f, cmd, arg(args, 0, "-"))
	case "get":
		return get(f, args)
	case "info":
		fmt.Printf("pgsize: %d\ntype: %q\nmaxrec: %d\n", f.PageSize(), f.Info(), f.MaxRec())
		return nil
	case "pack":
		return f.Pack()
	case "save":
		return save(f, arg(args, 0, "-"))
	case "shape":
		overload, err := strconv.ParseFloat(arg(args, 0, ""), 64)
		if err != nil {
			return err
		}
		return f.Shape(overload)
	case "stat":
		return stat(f)
	}
	flag.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func check(cmd, path string, args []string) error {
	var (
		pgsize int
		udata  []byte
		err    error
	)
	if len(args) > 0 {
		if pgsize, err = strconv.Atoi(args[0]); err != nil {
			return err
		}
	}
	if len(args) > 1 {
		udata = []byte(args[1])
	}
	mode := hxdb.ModeCheck
	if cmd == "fix" {
		mode = hxdb.ModeRepair
	}
	f, err := hxdb.Open(path, openMode(mode)&^hxdb.ModeMmap, nil)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		result hxdb.Mode
		report *hxdb.Report
	)
	if cmd == "fix" {
		scratch, err := os.CreateTemp("", "hxfix-*")
		if err != nil {
			return err
		}
		defer os.Remove(scratch.Name())
		defer scratch.Close()
		result, report, err = f.Fix(scratch, pgsize, udata)
		if err != nil {
			return err
		}
	} else if result, report, err = f.Fix(nil, pgsize, udata); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", result, report)
	return nil
}

func build(f *hxdb.File, args []string) error {
	in, err := input(arg(args, 0, "-"))
	if err != nil {
		return err
	}
	defer in.Close()
	megs, err := strconv.Atoi(arg(args, 1, "64"))
	if err != nil {
		return err
	}
	size, err := strconv.ParseInt(arg(args, 2, "0"), 10, 64)
	if err != nil {
		return err
	}
	if name := arg(args, 0, "-"); size == 0 && name != "-" {
		if st, err := os.Stat(name); err == nil {
			size = st.Size()
		}
	}
	return f.Build(in, megs<<20, size)
}

func update(f *hxdb.File, cmd, name string) error {
	in, err := input(name)
	if err != nil {
		return err
	}
	defer in.Close()
	codec := hxdb.DefaultRegistry.Lookup(f.Info())
	if codec == nil {
		return fmt.Errorf("no codec for type %q", f.Info())
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(nil, 3*f.PageSize())
	var rec []byte
	for n := 1; sc.Scan(); n++ {
		if cmd == "del" {
			if rec, err = loadKey(codec, rec[:0], sc.Bytes()); err == nil {
				_, err = f.Delete(rec)
			}
		} else if rec, err = codec.Load(rec[:0], sc.Bytes()); err == nil {
			_, err = f.Put(rec)
		}
		if err != nil {
			return fmt.Errorf("line %d: %v", n, err)
		}
	}
	return sc.Err()
}

// loadKey parses a line holding a key, or a whole record.
func loadKey(codec hxdb.Codec, dst, line []byte) ([]byte, error) {
	rec, err := codec.Load(dst, line)
	if err != nil {
		// a kv key alone lacks its tab
		rec, err = codec.Load(dst, append(line[:len(line):len(line)], '\t'))
	}
	return rec, err
}

func get(f *hxdb.File, keys []string) error {
	codec := hxdb.DefaultRegistry.Lookup(f.Info())
	if codec == nil {
		return fmt.Errorf("no codec for type %q", f.Info())
	}
	buf := make([]byte, f.MaxRec())
	var key, line []byte
	for _, k := range keys {
		var err error
		if key, err = loadKey(codec, key[:0], []byte(k)); err != nil {
			return err
		}
		n, err := f.Get(key, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			log.Warnf("%s: not found", k)
			continue
		}
		line = codec.Save(line[:0], buf[:n])
		fmt.Printf("%s\n", line)
	}
	return nil
}

func save(f *hxdb.File, name string) (err error) {
	out, err := output(name)
	if err != nil {
		return err
	}
	defer func() {
		if e := out.Close(); err == nil {
			err = e
		}
	}()
	codec := hxdb.DefaultRegistry.Lookup(f.Info())
	if codec == nil {
		return fmt.Errorf("no codec for type %q", f.Info())
	}
	w := bufio.NewWriter(out)
	buf := make([]byte, f.MaxRec())
	var line []byte
	for {
		n, err := f.Next(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		line = append(codec.Save(line[:0], buf[:n]), '\n')
		if _, err = w.Write(line); err != nil {
			return err
		}
	}
	return w.Flush()
}

func stat(f *hxdb.File) error {
	st, err := f.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("records: %d\npages: %d\nhash: %08x\n", st.Records, st.Pages, st.Hash)
	fmt.Printf("head bytes: %d\noverflow bytes: %d in %d pages\n",
		st.HeadBytes, st.OverflowBytes, st.OverflowPages)
	fmt.Printf("reads per hit: %.2f\nreads per miss: %.2f\n", st.AvgSuccPages, st.AvgFailPages)
	fmt.Print("chains:")
	for i, n := range st.ChainHist {
		if n != 0 {
			fmt.Printf(" %d:%d", i, n)
		}
	}
	fmt.Print("\nshares:")
	for i, n := range st.ShareHist {
		if n != 0 {
			fmt.Printf(" %d:%d", i, n)
		}
	}
	fmt.Println()
	return nil
}
