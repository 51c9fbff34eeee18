package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
)

const listHelp = `zonectl list [-flags]

List every file currently registered on the zone device.
`

func cmdlist(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	device := fset.String("device", defaultDevicePath(), "path to the (simulated) zoned block device")
	journalDir := fset.String("journal-dir", defaultJournalDir(), "directory holding the metadata journal")
	fset.Usage = usage(fset, listHelp)
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
	sort.Slice(files, func(i, j int) bool { return files[i].ID() < files[j].ID() })
	for _, f := range files {
		fmt.Printf("%-6d %-8s L%-2d %8d  %s\n", f.ID(), f.LifetimeHint(), f.Level(), f.Size(), f.Filename())
	}
	return nil
}
