package zns

import (
	"context"
	"fmt"
	"sync"
)

// fakeDevice is an in-memory stand-in for a real ZBD driver, used across
// this package's tests. It enforces the same append-at-write-pointer
// discipline a real device would.
type fakeDevice struct {
	mu        sync.Mutex
	blockSize int
	zoneSize  int64
	data      map[int][]byte
	wp        map[int]int64
	kinds     map[int]ZoneKind
	numZones  int

	// resetHook, if set, is invoked synchronously from ResetZone, letting
	// tests observe reset ordering relative to other events.
	resetHook func(zoneID int)
}

func newFakeDevice(numZones int, zoneSize int64, blockSize int) *fakeDevice {
	d := &fakeDevice{
		blockSize: blockSize,
		zoneSize:  zoneSize,
		data:      make(map[int][]byte),
		wp:        make(map[int]int64),
		kinds:     make(map[int]ZoneKind),
		numZones:  numZones,
	}
	for i := 0; i < numZones; i++ {
		d.data[i] = make([]byte, 0, zoneSize)
	}
	return d
}

func (d *fakeDevice) setKind(zoneID int, kind ZoneKind) {
	d.kinds[zoneID] = kind
}

func (d *fakeDevice) BlockSize() int { return d.blockSize }

func (d *fakeDevice) ReportZones(ctx context.Context) ([]ZoneReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reports := make([]ZoneReport, d.numZones)
	for i := 0; i < d.numZones; i++ {
		reports[i] = ZoneReport{
			ID:           i,
			Kind:         d.kinds[i],
			Start:        int64(i) * d.zoneSize,
			MaxCapacity:  d.zoneSize,
			WritePointer: int64(i)*d.zoneSize + d.wp[i],
		}
	}
	return reports, nil
}

func (d *fakeDevice) OpenZone(ctx context.Context, zoneID int) error  { return nil }
func (d *fakeDevice) CloseZone(ctx context.Context, zoneID int) error { return nil }

func (d *fakeDevice) FinishZone(ctx context.Context, zoneID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wp[zoneID] = d.zoneSize
	return nil
}

func (d *fakeDevice) ResetZone(ctx context.Context, zoneID int) error {
	d.mu.Lock()
	d.data[zoneID] = d.data[zoneID][:0]
	d.wp[zoneID] = 0
	hook := d.resetHook
	d.mu.Unlock()
	if hook != nil {
		hook(zoneID)
	}
	return nil
}

func (d *fakeDevice) Append(ctx context.Context, zoneID int, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wp[zoneID]+int64(len(buf)) > d.zoneSize {
		return 0, fmt.Errorf("zone %d: append past end", zoneID)
	}
	d.data[zoneID] = append(d.data[zoneID], buf...)
	d.wp[zoneID] += int64(len(buf))
	return len(buf), nil
}

func (d *fakeDevice) ReadAt(ctx context.Context, zoneID int, buf []byte, offsetInZone int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.data[zoneID]
	if offsetInZone >= int64(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[offsetInZone:])
	return n, nil
}
