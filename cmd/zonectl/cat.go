package main

import (
	"context"
	"flag"
	"os"

	"golang.org/x/xerrors"

	"github.com/distr1/zoneengine/internal/zns"
)

const catHelp = `zonectl cat [-flags] <filename>

Print a file's contents to stdout.
`

func cmdcat(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("cat", flag.ExitOnError)
	device := fset.String("device", defaultDevicePath(), "path to the (simulated) zoned block device")
	journalDir := fset.String("journal-dir", defaultJournalDir(), "directory holding the metadata journal")
	fset.Usage = usage(fset, catHelp)
	fset.Parse(args)

	if fset.NArg() != 1 {
		fset.Usage()
		os.Exit(2)
	}
	name := fset.Arg(0)

	od, err := openDevice(ctx, *device, *journalDir)
	if err != nil {
		return err
	}
	defer od.Close()

	var file *zns.ZoneFile
	for _, f := range od.zd.Files() {
		if f.Filename() == name {
			file = f
			break
		}
	}
	if file == nil {
		return xerrors.Errorf("no such file: %s", name)
	}

	r := zns.NewSequentialFile(file)
	buf := make([]byte, 64<<10)
	for {
		n, err := r.Read(ctx, buf)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			break // io.EOF or a real read error both stop the loop here
		}
	}
	return nil
}
