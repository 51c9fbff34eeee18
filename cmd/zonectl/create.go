package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/distr1/zoneengine/internal/zns"
)

const createHelp = `zonectl create [-flags] <filename>

Create a file on the zone device and append the data read from stdin (or
-input) to it, then sync its metadata to the journal.

Example:
  % zonectl create -level 0 -hint short mytable.sst <input.dat
`

func cmdcreate(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	device := fset.String("device", defaultDevicePath(), "path to the (simulated) zoned block device")
	journalDir := fset.String("journal-dir", defaultJournalDir(), "directory holding the metadata journal")
	level := fset.Int("level", 0, "LSM level this file belongs to, for allocator affinity")
	hint := fset.String("hint", "not-set", "lifetime hint: not-set, short, medium, long, extreme")
	isSST := fset.Bool("sst", true, "whether this file is an SST (vs. a WAL/manifest)")
	input := fset.String("input", "", "path to read file contents from; defaults to stdin")
	fset.Usage = usage(fset, createHelp)
	fset.Parse(args)

	if fset.NArg() != 1 {
		fset.Usage()
		os.Exit(2)
	}
	filename := fset.Arg(0)

	h, err := parseHint(*hint)
	if err != nil {
		return err
	}

	od, err := openDevice(ctx, *device, *journalDir)
	if err != nil {
		return err
	}
	defer od.Close()

	var src io.Reader = os.Stdin
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			return xerrors.Errorf("open input: %w", err)
		}
		defer f.Close()
		src = f
	}

	f := od.zd.CreateFile(filename, h, *level, *isSST)
	wf := zns.NewWritableFile(f, od.j, od.zd.BlockSize())

	buf := make([]byte, od.zd.BlockSize()*16)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := wf.Append(ctx, buf[:n]); err != nil {
				return xerrors.Errorf("append: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return xerrors.Errorf("read input: %w", rerr)
		}
	}

	if err := wf.Close(ctx); err != nil {
		return xerrors.Errorf("close: %w", err)
	}

	fmt.Printf("created %s (file_id=%d, %d bytes)\n", filename, f.ID(), f.Size())
	return nil
}

func parseHint(s string) (zns.LifetimeHint, error) {
	switch s {
	case "not-set":
		return zns.LifetimeNotSet, nil
	case "short":
		return zns.LifetimeShort, nil
	case "medium":
		return zns.LifetimeMedium, nil
	case "long":
		return zns.LifetimeLong, nil
	case "extreme":
		return zns.LifetimeExtreme, nil
	default:
		return 0, xerrors.Errorf("unknown lifetime hint %q", s)
	}
}
