package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"
)

const checkpointHelp = `zonectl checkpoint [-flags]

Write a fresh metadata snapshot covering every registered file and
truncate the incremental journal log.
`

func cmdcheckpoint(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	device := fset.String("device", defaultDevicePath(), "path to the (simulated) zoned block device")
	journalDir := fset.String("journal-dir", defaultJournalDir(), "directory holding the metadata journal")
	fset.Usage = usage(fset, checkpointHelp)
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

	files := od.zd.Files()
	if err := od.j.Checkpoint(ctx, files); err != nil {
		return xerrors.Errorf("checkpoint: %w", err)
	}
	fmt.Printf("checkpointed %d files\n", len(files))
	return nil
}
