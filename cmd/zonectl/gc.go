package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"
)

const gcHelp = `zonectl gc [-flags]

Run one zone-cleaning pass, relocating live extents out of the k zones
with the most invalid data and resetting them.
`

func cmdgc(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("gc", flag.ExitOnError)
	device := fset.String("device", defaultDevicePath(), "path to the (simulated) zoned block device")
	journalDir := fset.String("journal-dir", defaultJournalDir(), "directory holding the metadata journal")
	k := fset.Int("k", 1, "number of victim zones to clean in this pass")
	fset.Usage = usage(fset, gcHelp)
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

	if err := od.zd.Clean(ctx, *k); err != nil {
		return xerrors.Errorf("zone cleaning: %w", err)
	}
	if err := od.j.Checkpoint(ctx, od.zd.Files()); err != nil {
		return xerrors.Errorf("checkpoint after cleaning: %w", err)
	}
	fmt.Printf("cleaned up to %d zones\n", *k)
	return nil
}
