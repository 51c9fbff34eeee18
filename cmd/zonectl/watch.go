//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/distr1/zoneengine/internal/blockdev"
	"github.com/distr1/zoneengine/internal/env"
)

const watchHelp = `zonectl watch [-flags]

Stream kernel add/remove uevents for the block subsystem, printing any
event whose devpath matches the configured device. Useful for noticing a
zoned device appear or disappear (e.g. a hot-swapped NVMe namespace)
without the engine itself ever polling for it.
`

func init() {
	verbs["watch"] = cmdwatch
}

func cmdwatch(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("watch", flag.ExitOnError)
	fset.Usage = usage(fset, watchHelp)
	fset.Parse(args)

	if fset.NArg() != 0 {
		fset.Usage()
		os.Exit(2)
	}

	events, err := blockdev.WatchHotplug()
	if err != nil {
		return err
	}
	fmt.Printf("watching for uevents on %s\n", env.DevicePath)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.DevPath) != filepath.Base(env.DevicePath) {
				continue
			}
			fmt.Printf("%s %s\n", ev.Action, ev.DevPath)
		}
	}
}
