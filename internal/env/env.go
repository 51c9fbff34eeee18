// Package env resolves host configuration cmd/zonectl needs but that
// doesn't belong in an explicit flag: which device node to open by
// default, and where to keep the metadata journal's files.
package env

import "os"

// DevicePath is the zoned block device cmd/zonectl opens when -device
// isn't given on the command line.
var DevicePath = findDevicePath()

func findDevicePath() string {
	if p := os.Getenv("ZONEENGINE_DEVICE"); p != "" {
		return p
	}
	return "/dev/nullb0" // the null_blk zoned test device most engineers have on hand
}

// JournalDir is the directory the metadata journal writes its snapshot and
// incremental-update log files under, absent an explicit -journal-dir flag.
var JournalDir = findJournalDir()

func findJournalDir() string {
	if p := os.Getenv("ZONEENGINE_JOURNAL_DIR"); p != "" {
		return p
	}
	return os.ExpandEnv("$HOME/.zoneengine")
}
