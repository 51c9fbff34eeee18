package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/cavaliercoder/go-cpio"
	"golang.org/x/xerrors"

	"github.com/distr1/zoneengine/internal/zns"
)



const exportHelp = `zonectl export [-flags]

Write every registered file to a cpio archive on stdout (or -output), for
copying a device's contents off-box without a real filesystem mount.
`

func cmdexport(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("export", flag.ExitOnError)
	device := fset.String("device", defaultDevicePath(), "path to the (simulated) zoned block device")
	journalDir := fset.String("journal-dir", defaultJournalDir(), "directory holding the metadata journal")
	output := fset.String("output", "", "path to write the cpio archive to; defaults to stdout")
	fset.Usage = usage(fset, exportHelp)
	fset.Parse(args)

	if fset.NArg() != 0 {
		fset.Usage()
		os.Exit(2)
	}

	od, err := openDevice(ctx, *device, *journalDir)
	if err != nil {
		return err
	}
	defer od.Close()

	var dst io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return xerrors.Errorf("create output: %w", err)
		}
		defer f.Close()
		dst = f
	}

	wr := cpio.NewWriter(dst)
	defer wr.Close()

	for _, f := range od.zd.Files() {
		if err := wr.WriteHeader(&cpio.Header{
			Name: f.Filename(),
			Mode: cpio.FileMode(0o444),
			Size: f.Size(),
		}); err != nil {
			return xerrors.Errorf("export %s: write header: %w", f.Filename(), err)
		}
		if err := copyFile(ctx, wr, f); err != nil {
			return xerrors.Errorf("export %s: %w", f.Filename(), err)
		}
	}
	return nil
}

func copyFile(ctx context.Context, dst io.Writer, f *zns.ZoneFile) error {
	r := zns.NewSequentialFile(f)
	buf := make([]byte, 64<<10)
	for {
		n, err := r.Read(ctx, buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
