package zns

import "context"

// ZoneReport describes one zone as enumerated from the backing device at
// Open time (spec.md §3 "Lifecycle": zones are created once at Open from
// the device's zone report).
type ZoneReport struct {
	ID           int
	Kind         ZoneKind
	Start        int64
	MaxCapacity  int64
	WritePointer int64 // absolute device offset; > Start means the zone was not empty on open
}

// Device is the narrow contract the core consumes from the raw ZBD driver
// (spec.md §6, "Device contract (consumed)"). Implementations must offer
// writes that succeed only at the zone's current write pointer and
// advance it by exactly the bytes submitted; random reads anywhere
// already-written.
type Device interface {
	// ReportZones enumerates every zone on the device.
	ReportZones(ctx context.Context) ([]ZoneReport, error)

	OpenZone(ctx context.Context, zoneID int) error
	CloseZone(ctx context.Context, zoneID int) error
	FinishZone(ctx context.Context, zoneID int) error
	ResetZone(ctx context.Context, zoneID int) error

	// Append writes buf at the zone's current write pointer and advances
	// it by len(buf). len(buf) must be a multiple of BlockSize().
	Append(ctx context.Context, zoneID int, buf []byte) (n int, err error)

	// ReadAt reads into buf starting offsetInZone bytes past the zone's
	// start. It may return a short read at EOF.
	ReadAt(ctx context.Context, zoneID int, buf []byte, offsetInZone int64) (n int, err error)

	BlockSize() int
}
