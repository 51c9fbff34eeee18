package zns

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"
)

type pendingBuffer struct {
	data      []byte
	validSize int
}

// ZoneFile is an ordered list of extents forming one logical,
// append-only file (spec.md §3, "ZoneFile").
type ZoneFile struct {
	dev *ZoneDevice

	id       FileID
	filename string // guarded by extentMu, like the rest of the file's shape

	// appendMu serializes append_buffer drains so that appends are
	// linearizable in submission order, matching is_appending in
	// spec.md §3 (the flag itself is exposed via IsAppending).
	appendMu sync.Mutex

	// extentMu is a readers-writer lock: positioned reads hold it shared,
	// appends and cleaner patches hold it exclusive (spec.md §5).
	extentMu sync.RWMutex
	extents  []Extent
	size     int64

	activeZone *Zone

	pending []pendingBuffer

	lifetimeHint LifetimeHint
	level        int
	smallestKey  []byte
	largestKey   []byte
	isSST        bool

	isAppending  bool
	markedForDel bool

	syncedExtentCount int
	generation        uint32
}

func (f *ZoneFile) ID() FileID          { return f.id }
func (f *ZoneFile) Filename() string    { f.extentMu.RLock(); defer f.extentMu.RUnlock(); return f.filename }
func (f *ZoneFile) Level() int          { return f.level }
func (f *ZoneFile) LifetimeHint() LifetimeHint {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()
	return f.lifetimeHint
}
func (f *ZoneFile) IsSST() bool         { return f.isSST }

func (f *ZoneFile) Size() int64 {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()
	return f.size
}

// SetKeyRange records the file's smallest/largest key, used by the
// allocator's affinity policy (spec.md §4.3).
func (f *ZoneFile) SetKeyRange(smallest, largest []byte) {
	f.extentMu.Lock()
	defer f.extentMu.Unlock()
	f.smallestKey = append([]byte(nil), smallest...)
	f.largestKey = append([]byte(nil), largest...)
}

// SetLifetimeHint changes the hint the allocator consults when choosing a
// zone for this file's next extent (spec.md §4.1, "lifetime_hint").
// Extents already written keep whatever hint their zone was opened with.
func (f *ZoneFile) SetLifetimeHint(h LifetimeHint) {
	f.extentMu.Lock()
	defer f.extentMu.Unlock()
	f.lifetimeHint = h
}

// Rename changes the file's name without touching its extents.
func (f *ZoneFile) Rename(newName string) {
	f.extentMu.Lock()
	defer f.extentMu.Unlock()
	f.filename = newName
}

// Append copies dataSize block-aligned bytes into the pending-buffer list
// and immediately drains them via appendBuffer. validSize <= dataSize is
// the logical byte count; trailing padding is on-media but not part of
// the file's size (spec.md §4.2).
func (f *ZoneFile) Append(ctx context.Context, data []byte, validSize int) error {
	if validSize > len(data) {
		return xerrors.Errorf("append: valid size %d exceeds data size %d", validSize, len(data))
	}
	f.extentMu.Lock()
	f.pending = append(f.pending, pendingBuffer{data: data, validSize: validSize})
	f.extentMu.Unlock()
	return f.appendBuffer(ctx)
}

// appendBuffer drains pending buffers one at a time into the active zone,
// allocating one if needed, and retrying for the remaining queued buffers
// (spec.md §4.2, "append_buffer"). A single buffer is never split across
// two zones (spec.md §1, Non-goals: "cross-zone extent spanning of a
// single append"): if the active zone can't hold the whole of the next
// buffer, that zone is finished — wasting whatever capacity is left in
// it — and a fresh one is allocated for the buffer in full.
func (f *ZoneFile) appendBuffer(ctx context.Context) error {
	f.appendMu.Lock()
	defer f.appendMu.Unlock()
	f.extentMu.Lock()
	f.isAppending = true
	f.extentMu.Unlock()
	defer func() {
		f.extentMu.Lock()
		f.isAppending = false
		f.extentMu.Unlock()
	}()
	for {
		f.extentMu.Lock()
		if len(f.pending) == 0 {
			f.extentMu.Unlock()
			return nil
		}
		buf := f.pending[0]
		f.pending = f.pending[1:]
		f.extentMu.Unlock()

		if err := f.appendOneBuffer(ctx, buf); err != nil {
			return err
		}
	}
}

// appendOneBuffer writes buf to a single zone in its entirety, then
// immediately pushes the resulting extent (spec.md §4.2, "push_extent"
// folded into the same step — consecutive buffers landing in the same
// still-open zone each get their own extent, they are never merged).
func (f *ZoneFile) appendOneBuffer(ctx context.Context, buf pendingBuffer) error {
	f.extentMu.RLock()
	active := f.activeZone
	f.extentMu.RUnlock()

	if active != nil && int64(len(buf.data)) > active.Capacity() {
		if err := f.finishActiveZone(ctx); err != nil {
			return err
		}
		active = nil
	}

	if active == nil {
		z, err := f.dev.AllocateZone(ctx, AllocRequest{
			Hint:         f.lifetimeHint,
			SmallestKey:  f.smallestKey,
			LargestKey:   f.largestKey,
			Level:        f.level,
			RequestingID: f.id,
		})
		if err != nil {
			return xerrors.Errorf("zonefile %d: allocate zone: %w", f.id, err)
		}
		f.extentMu.Lock()
		f.activeZone = z
		f.extentMu.Unlock()
		active = z
	}

	writeOffset, err := active.append(ctx, f.id, buf.data)
	if err != nil {
		return xerrors.Errorf("zonefile %d: %w", f.id, err)
	}
	active.updateSecondaryLifetime(f.lifetimeHint, int64(len(buf.data)))

	if err := f.pushExtent(active, writeOffset, int64(len(buf.data)), buf.validSize); err != nil {
		return err
	}

	if active.State() == StateFull {
		return f.finishActiveZone(ctx)
	}
	return nil
}

// pushExtent atomically appends the just-written extent to extents[] and
// the owning zone's GC index, and grows size by the buffer's logical
// (non-padding) byte count (spec.md §4.2, "push_extent").
func (f *ZoneFile) pushExtent(z *Zone, start, length int64, validSize int) error {
	ext := Extent{Zone: z, Start: start, Length: length}

	ei := &ExtentInfo{
		Extent:       ext,
		OwningFile:   f.id,
		Filename:     f.filename,
		LifetimeHint: f.lifetimeHint,
		Level:        f.level,
		valid:        true,
	}
	z.delMu.Lock()
	z.extents = append(z.extents, ei)
	z.delMu.Unlock()
	atomic.AddInt64(&z.usedCapacity, ext.Length)
	f.dev.trackZoneForFile(f.id, z.ID)

	f.extentMu.Lock()
	f.extents = append(f.extents, ext)
	f.size += int64(validSize)
	f.extentMu.Unlock()
	return nil
}

// finishActiveZone forces the current active zone to FULL (spec.md §4.1,
// "finish") and releases its write token, clearing active_zone. Every
// extent it held was already pushed by appendOneBuffer, so there is
// nothing left to flush here (spec.md §4.2, "close_wr").
func (f *ZoneFile) finishActiveZone(ctx context.Context) error {
	f.extentMu.Lock()
	z := f.activeZone
	f.activeZone = nil
	f.extentMu.Unlock()
	if z == nil {
		return nil
	}
	if err := z.finish(ctx); err != nil {
		return err
	}
	return z.closeWr(ctx)
}

// CloseWr releases the active zone's write token, if one is held. Every
// write has already been pushed to extents[] by appendBuffer, so there is
// nothing buffered left to flush (spec.md §4.2, "close_wr").
func (f *ZoneFile) CloseWr(ctx context.Context) error {
	f.appendMu.Lock()
	defer f.appendMu.Unlock()
	f.extentMu.Lock()
	z := f.activeZone
	f.activeZone = nil
	f.extentMu.Unlock()
	if z == nil {
		return nil
	}
	return z.closeWr(ctx)
}

// PositionedRead locates the extent(s) covering [offset, offset+n) and
// reads through the device, repeating across extent boundaries. It may
// return a short read at EOF (spec.md §4.2, "positioned_read").
func (f *ZoneFile) PositionedRead(ctx context.Context, offset int64, n int) ([]byte, error) {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()

	if offset >= f.size {
		return nil, nil
	}
	if offset+int64(n) > f.size {
		n = int(f.size - offset)
	}
	out := make([]byte, 0, n)
	remaining := int64(n)
	pos := offset
	logicalStart := int64(0)
	for _, ext := range f.extents {
		if remaining == 0 {
			break
		}
		logicalEnd := logicalStart + ext.Length
		if pos >= logicalEnd {
			logicalStart = logicalEnd
			continue
		}
		within := pos - logicalStart
		toRead := ext.Length - within
		if toRead > remaining {
			toRead = remaining
		}
		buf := make([]byte, toRead)
		nread, err := f.dev.device.ReadAt(ctx, ext.Zone.ID, buf, ext.Start-ext.Zone.Start+within)
		if err != nil {
			return nil, xerrors.Errorf("zonefile %d: positioned read: %w", f.id, ErrIO)
		}
		out = append(out, buf[:nread]...)
		pos += int64(nread)
		remaining -= int64(nread)
		logicalStart = logicalEnd
		if int64(nread) < toRead {
			break // short read / EOF
		}
	}
	return out, nil
}

// invalidateExtents marks every one of the file's extents invalid in
// their owning zones, used on delete or on replacement (spec.md §3,
// "Lifecycle": "Extent invalidation (file deletion, overwrite via
// replacement file) decrements the zone's live count").
func (f *ZoneFile) invalidateExtents() []*Zone {
	f.extentMu.Lock()
	extents := append([]Extent(nil), f.extents...)
	f.extents = nil
	f.size = 0
	f.extentMu.Unlock()

	touched := make(map[int]*Zone)
	for _, ext := range extents {
		z := ext.Zone
		z.delMu.Lock()
		var match *ExtentInfo
		for _, ei := range z.extents {
			if ei.valid && ei.OwningFile == f.id && ei.Extent.Start == ext.Start {
				match = ei
				break
			}
		}
		z.delMu.Unlock()
		if match != nil {
			z.invalidate(match)
		}
		touched[z.ID] = z
	}
	out := make([]*Zone, 0, len(touched))
	for _, z := range touched {
		out = append(out, z)
	}
	return out
}

// Delete marks the file for deletion, invalidates all of its extents,
// and drops it from the device's registry.
func (f *ZoneFile) Delete() []*Zone {
	f.extentMu.Lock()
	f.markedForDel = true
	f.extentMu.Unlock()
	zones := f.invalidateExtents()
	f.dev.forgetFile(f.id)
	return zones
}

// ExtentCount returns the number of committed extents, used by metadata
// encoding to decide what needs (re-)persisting.
func (f *ZoneFile) ExtentCount() int {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()
	return len(f.extents)
}

func (f *ZoneFile) IsAppending() bool {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()
	return f.isAppending
}

func (f *ZoneFile) MarkedForDelete() bool {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()
	return f.markedForDel
}

// SyncedExtentCount returns the prefix length of extents already
// persisted to the metadata journal.
func (f *ZoneFile) SyncedExtentCount() int {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()
	return f.syncedExtentCount
}

// MetadataSynced records that the journal has durably absorbed a record
// covering every extent up to the current count (spec.md §4.2,
// "metadata_synced").
func (f *ZoneFile) MetadataSynced() {
	f.extentMu.Lock()
	defer f.extentMu.Unlock()
	f.syncedExtentCount = len(f.extents)
}
