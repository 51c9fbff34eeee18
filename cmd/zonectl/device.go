package main

import (
	"context"
	"log"

	"golang.org/x/xerrors"

	"github.com/distr1/zoneengine/internal/blockdev"
	"github.com/distr1/zoneengine/internal/env"
	"github.com/distr1/zoneengine/internal/journal"
	"github.com/distr1/zoneengine/internal/zns"
)

// openedDevice bundles the three long-lived handles every zonectl verb
// needs: the simulated block device, the replayed ZoneDevice core, and the
// metadata journal new writes get appended to.
type openedDevice struct {
	raw *blockdev.Simulated
	zd  *zns.ZoneDevice
	j   *journal.Journal
}

func (o *openedDevice) Close() error {
	jerr := o.j.Close()
	rerr := o.raw.Close()
	if jerr != nil {
		return jerr
	}
	return rerr
}

// openDevice creates (or reopens) the file-backed simulated device at
// devicePath, replays the journal in journalDir to rebuild the file
// registry, and returns a ready-to-use ZoneDevice (cmd/zonectl is a demo
// and debugging tool: it drives zns.Open/AllocateZone/Clean against the
// same Simulated backend the package's own tests use, not a real ZBD
// device, which needs ioctls this repository doesn't implement).
func openDevice(ctx context.Context, devicePath, journalDir string) (*openedDevice, error) {
	raw, err := blockdev.CreateSimulated(devicePath, blockdev.SimulatedConfig{
		NumZones:    64,
		NumMeta:     4,
		NumReserved: 4,
		ZoneSize:    256 << 20,
		BlockSize:   4096,
	})
	if err != nil {
		return nil, xerrors.Errorf("open simulated device: %w", err)
	}

	zd, err := zns.Open(ctx, raw, zns.Config{
		MaxActive:     8,
		MaxOpen:       16,
		ReservedZones: 0, // the simulated device already carved out reserved zones
		Log:           log.Default(),
	})
	if err != nil {
		raw.Close()
		return nil, xerrors.Errorf("open zone device: %w", err)
	}

	j, err := journal.Open(journalDir)
	if err != nil {
		raw.Close()
		return nil, xerrors.Errorf("open metadata journal: %w", err)
	}
	if err := j.Replay(zd); err != nil {
		j.Close()
		raw.Close()
		return nil, xerrors.Errorf("replay metadata journal: %w", err)
	}
	zd.SetMetadataWriter(j)

	return &openedDevice{raw: raw, zd: zd, j: j}, nil
}

func defaultDevicePath() string { return env.DevicePath }
func defaultJournalDir() string { return env.JournalDir }
