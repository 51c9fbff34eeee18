package zns

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"
)

// Zone tracks one physical zone: its write pointer, remaining capacity,
// open/active state, and the extents placed in it (spec.md §3, "Zone").
//
// Two locks guard disjoint state: mu covers the hot append/reset/finish
// path (wp, capacity, state, the write token); delMu covers the extent
// index and used-capacity accounting that the cleaner also touches
// (spec.md §5, Zone.zone_del_mtx_).
type Zone struct {
	dev *ZoneDevice

	ID          int
	Kind        ZoneKind
	Start       int64
	MaxCapacity int64

	mu           sync.Mutex
	state        ZoneState
	wp           int64
	capacity     int64
	openForWrite FileID // 0 means no file currently holds the write token
	unusable     bool   // set after an IO_ERROR; still readable, not appendable

	lifetimeHint      LifetimeHint
	secondaryLifetime float64

	// finished guards the device FinishZone call and the active-io slot
	// release: idempotency for explicit finish() cannot reuse state ==
	// StateFull as that guard, because append() itself also flips state to
	// StateFull the instant capacity hits zero, well before finish() is
	// ever called (spec.md §3 invariant 4).
	finished bool

	// isAppend CAS-serializes concurrent appenders to this zone. Under a
	// correctly behaving allocator at most one caller ever holds it; the
	// flag exists as an assertion, not a scheduling primitive (spec.md §5).
	isAppend int32

	delMu        sync.Mutex
	extents      []*ExtentInfo
	usedCapacity int64 // atomic; sum of lengths of valid extents
}

func newZone(dev *ZoneDevice, r ZoneReport) *Zone {
	state := StateEmpty
	wp := r.Start
	capacity := r.MaxCapacity
	if r.WritePointer > r.Start {
		state = StateOpen
		wp = r.WritePointer
		capacity = r.Start + r.MaxCapacity - r.WritePointer
	}
	return &Zone{
		dev:         dev,
		ID:          r.ID,
		Kind:        r.Kind,
		Start:       r.Start,
		MaxCapacity: r.MaxCapacity,
		state:       state,
		wp:          wp,
		capacity:    capacity,
	}
}

// State returns the zone's current lifecycle state.
func (z *Zone) State() ZoneState {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state
}

// WritePointer returns the absolute offset of the next legal write.
func (z *Zone) WritePointer() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.wp
}

// Capacity returns the number of bytes remaining ahead of the write
// pointer.
func (z *Zone) Capacity() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.capacity
}

// UsedCapacity returns the sum of lengths of currently-valid extents
// hosted in this zone (spec.md §3 invariant 2).
func (z *Zone) UsedCapacity() int64 {
	return atomic.LoadInt64(&z.usedCapacity)
}

func (z *Zone) LifetimeHint() LifetimeHint {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.lifetimeHint
}

// append writes buf at the current write pointer via the device, advancing
// wp and shrinking capacity by exactly len(buf). Requires the caller to
// already hold the zone's write token (openForWrite == fileID) and
// len(buf) to be a capacity-fitting multiple of the block size.
func (z *Zone) append(ctx context.Context, fileID FileID, buf []byte) (int64, error) {
	if !atomic.CompareAndSwapInt32(&z.isAppend, 0, 1) {
		return 0, xerrors.Errorf("zone %d: concurrent append: %w", z.ID, ErrBusy)
	}
	defer atomic.StoreInt32(&z.isAppend, 0)

	z.mu.Lock()
	if z.openForWrite != fileID {
		z.mu.Unlock()
		return 0, xerrors.Errorf("zone %d: append without write token: %w", z.ID, ErrBusy)
	}
	if z.unusable {
		z.mu.Unlock()
		return 0, xerrors.Errorf("zone %d: unusable after prior IO error: %w", z.ID, ErrIO)
	}
	bs := int64(z.dev.device.BlockSize())
	if int64(len(buf))%bs != 0 {
		z.mu.Unlock()
		return 0, xerrors.Errorf("zone %d: append length %d not a multiple of block size %d", z.ID, len(buf), bs)
	}
	if int64(len(buf)) > z.capacity {
		z.mu.Unlock()
		return 0, xerrors.Errorf("zone %d: append length %d exceeds capacity %d: %w", z.ID, len(buf), z.capacity, ErrNoSpace)
	}
	if z.state == StateEmpty {
		z.state = StateOpen
	}
	writeOffset := z.wp
	z.mu.Unlock()

	n, err := z.dev.device.Append(ctx, z.ID, buf)
	if err != nil {
		z.mu.Lock()
		z.unusable = true
		z.mu.Unlock()
		return 0, xerrors.Errorf("zone %d: device append: %w", z.ID, ErrIO)
	}

	z.mu.Lock()
	z.wp += int64(n)
	z.capacity -= int64(n)
	if z.capacity == 0 {
		z.state = StateFull
	}
	z.mu.Unlock()
	return writeOffset, nil
}

// reset issues a device-level zone reset. Requires usedCapacity == 0 and
// the zone not currently held open for write (spec.md §4.1).
func (z *Zone) reset(ctx context.Context) error {
	if atomic.LoadInt64(&z.usedCapacity) != 0 {
		return xerrors.Errorf("zone %d: reset with live data: %w", z.ID, ErrBusy)
	}
	z.mu.Lock()
	if z.openForWrite != 0 {
		z.mu.Unlock()
		return xerrors.Errorf("zone %d: reset while open for write: %w", z.ID, ErrBusy)
	}
	z.mu.Unlock()

	if err := z.dev.device.ResetZone(ctx, z.ID); err != nil {
		return xerrors.Errorf("zone %d: device reset: %w", z.ID, ErrIO)
	}

	z.delMu.Lock()
	z.extents = nil
	z.delMu.Unlock()

	z.mu.Lock()
	z.wp = z.Start
	z.capacity = z.MaxCapacity
	z.state = StateEmpty
	z.lifetimeHint = LifetimeNotSet
	z.secondaryLifetime = 0
	z.unusable = false
	z.finished = false
	z.mu.Unlock()
	return nil
}

// finish forces the zone to FULL without further appends; capacity may be
// wasted. Releases the active-zone device resource slot. Idempotent: a
// zone that already reached StateFull via append() (capacity exhausted
// exactly) still needs this call to run once, since append() only sets
// the state, it never touches the device or the active-io slot.
func (z *Zone) finish(ctx context.Context) error {
	z.mu.Lock()
	if z.finished {
		z.mu.Unlock()
		return nil
	}
	z.finished = true
	z.state = StateFull
	z.mu.Unlock()

	if err := z.dev.device.FinishZone(ctx, z.ID); err != nil {
		return xerrors.Errorf("zone %d: device finish: %w", z.ID, ErrIO)
	}
	z.dev.releaseActive()
	return nil
}

// closeWr releases the write token, decrementing the device's open-zone
// count.
func (z *Zone) closeWr(ctx context.Context) error {
	z.mu.Lock()
	held := z.openForWrite != 0
	z.openForWrite = 0
	z.mu.Unlock()
	if !held {
		return nil
	}
	if err := z.dev.device.CloseZone(ctx, z.ID); err != nil {
		return xerrors.Errorf("zone %d: device close: %w", z.ID, ErrIO)
	}
	z.dev.releaseOpen()
	return nil
}

// closeWrCleaning releases the write token without touching the device's
// open-zone resource cap. Zones taken through AllocateZoneForCleaning never
// acquired that cap in the first place (spec.md §4.3, "never blocks on the
// active/open caps").
func (z *Zone) closeWrCleaning(ctx context.Context) error {
	z.mu.Lock()
	held := z.openForWrite != 0
	z.openForWrite = 0
	z.mu.Unlock()
	if !held {
		return nil
	}
	if err := z.dev.device.CloseZone(ctx, z.ID); err != nil {
		return xerrors.Errorf("zone %d: device close: %w", z.ID, ErrIO)
	}
	return nil
}

// invalidate flips the matching ExtentInfo's valid bit to false and
// subtracts its length from usedCapacity. Returns true if the zone's live
// data just reached zero (a candidate for immediate reset).
func (z *Zone) invalidate(ei *ExtentInfo) bool {
	z.delMu.Lock()
	defer z.delMu.Unlock()
	if !ei.valid {
		return false
	}
	ei.valid = false
	remaining := atomic.AddInt64(&z.usedCapacity, -ei.Extent.Length)
	return remaining == 0
}

// updateSecondaryLifetime folds a newly-written extent's lifetime hint
// into the zone's running weighted mean, used only by GC-time allocation
// (spec.md §4.1).
func (z *Zone) updateSecondaryLifetime(hint LifetimeHint, length int64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	used := z.wp - z.Start - length
	if used < 0 {
		used = 0
	}
	total := used + length
	if total == 0 {
		z.secondaryLifetime = float64(hint)
		return
	}
	z.secondaryLifetime = (z.secondaryLifetime*float64(used) + float64(hint)*float64(length)) / float64(total)
}
