package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/distr1/zoneengine/internal/env"
)

const envHelp = `zonectl env

Print the device path and journal directory zonectl uses when -device and
-journal-dir are not given explicitly.
`

func cmdenv(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("env", flag.ExitOnError)
	fset.Usage = usage(fset, envHelp)
	fset.Parse(args)

	if fset.NArg() != 0 {
		fset.Usage()
		os.Exit(2)
	}

	fmt.Printf("ZONEENGINE_DEVICE=%s\n", env.DevicePath)
	fmt.Printf("ZONEENGINE_JOURNAL_DIR=%s\n", env.JournalDir)
	return nil
}
