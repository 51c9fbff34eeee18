package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/distr1/zoneengine"
	"github.com/distr1/zoneengine/internal/fusedebug"
	"github.com/distr1/zoneengine/internal/oninterrupt"
)

const debugmountHelp = `zonectl debugmount [-flags] <mountpoint>

Mount a read-only, flat view of every registered file under mountpoint via
FUSE, so ordinary tools (ls, cat, grep) can inspect a device's contents.
This is a debugging aid, not a POSIX filesystem: it never reflects writes
made after the mount starts.
`

func cmddebugmount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("debugmount", flag.ExitOnError)
	device := fset.String("device", defaultDevicePath(), "path to the (simulated) zoned block device")
	journalDir := fset.String("journal-dir", defaultJournalDir(), "directory holding the metadata journal")
	fset.Usage = usage(fset, debugmountHelp)
	fset.Parse(args)

	if fset.NArg() != 1 {
		fset.Usage()
		os.Exit(2)
	}
	mountpoint := fset.Arg(0)

	od, err := openDevice(ctx, *device, *journalDir)
	if err != nil {
		return err
	}
	defer od.Close()

	// fusedebug.Mount registers its own oninterrupt handler to unmount;
	// Ctrl-C's os.Exit there skips this function's defer, so the device and
	// journal handles also need to close on the same interrupt path.
	zoneengine.RegisterAtExit(od.Close)
	oninterrupt.Register(func() { zoneengine.RunAtExit() })

	files := od.zd.Files()
	join, err := fusedebug.Mount(ctx, od.zd, files, mountpoint)
	if err != nil {
		return xerrors.Errorf("mount: %w", err)
	}
	fmt.Fprintf(os.Stderr, "mounted %d files at %s, press Ctrl-C to unmount\n", len(files), mountpoint)
	return join(ctx)
}
