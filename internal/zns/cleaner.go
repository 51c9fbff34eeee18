package zns

import (
	"bytes"
	"context"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Clean runs one zone-cleaning pass: it pops up to k victims off the
// gc_queue (zones ordered by invalid bytes descending), relocates every
// extent still live in each, and resets the zone once it is empty
// (spec.md §4.4, "Cleaner"). Zones without invalid bytes and zones a
// writer still holds are skipped; an OPEN victim is finished before it is
// cleaned. Only one pass may run at a time across a
// ZoneDevice; concurrent callers block on cleaningMu (zone_cleaning_mtx_).
func (zd *ZoneDevice) Clean(ctx context.Context, k int) error {
	zd.cleaningMu.Lock()
	defer zd.cleaningMu.Unlock()

	queue := zd.gcQueueSnapshot()

	var victims []*Zone
	for _, z := range queue {
		if len(victims) >= k {
			break
		}
		if z.WritePointer()-z.Start-z.UsedCapacity() <= 0 {
			break // the queue is ordered by invalid bytes: nothing left to reclaim
		}
		z.mu.Lock()
		held := z.openForWrite != 0
		z.mu.Unlock()
		if held {
			continue
		}
		// OPEN -> FULL first (releasing the active slot), so the reset
		// below follows EMPTY -> OPEN -> FULL -> EMPTY.
		if err := z.finish(ctx); err != nil {
			zd.log.Printf("zone cleaning: finish zone %d: %v", z.ID, err)
			continue
		}
		if z.UsedCapacity() == 0 {
			// Nothing live to relocate; reset directly and don't count it
			// against k (spec.md §4.4).
			if err := z.reset(ctx); err != nil {
				zd.log.Printf("zone cleaning: reset empty zone %d: %v", z.ID, err)
			}
			continue
		}
		victims = append(victims, z)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, z := range victims {
		z := z
		g.Go(func() error {
			return zd.relocateVictim(gctx, z)
		})
	}
	return g.Wait()
}

// relocateVictim copies every still-valid extent out of z into a
// cleaning-reserved zone, patches the owning files' extent lists, and
// resets z once its used capacity reaches zero. Files touched by this
// victim are locked in file_id-ascending order, a fixed ordering shared by
// every concurrent relocateVictim call in the same Clean pass, so two
// victims relocating extents from overlapping files can never deadlock
// against each other (spec.md §5, "Lock ordering").
func (zd *ZoneDevice) relocateVictim(ctx context.Context, z *Zone) error {
	z.delMu.Lock()
	live := make([]*ExtentInfo, 0, len(z.extents))
	for _, ei := range z.extents {
		if ei.valid {
			live = append(live, ei)
		}
	}
	z.delMu.Unlock()

	byFile := make(map[FileID][]*ExtentInfo)
	for _, ei := range live {
		byFile[ei.OwningFile] = append(byFile[ei.OwningFile], ei)
	}
	fileIDs := make([]FileID, 0, len(byFile))
	for id := range byFile {
		fileIDs = append(fileIDs, id)
	}
	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })

	for _, id := range fileIDs {
		f, ok := zd.File(id)
		if !ok {
			// The file was deleted after the zone's extent index was
			// snapshotted; its extents are already invalid, nothing to do.
			continue
		}
		patches, err := zd.relocateFileExtents(ctx, f, byFile[id])
		if err != nil {
			return xerrors.Errorf("zone cleaning: zone %d file %d: %w", z.ID, id, err)
		}
		// The bold Rule in spec.md §4.4: reset of the source zone MUST
		// follow the fsync of the metadata journal entry recording the
		// replacement extents. Persist f's relocation record now, before
		// any source zone in this victim is ever reset, so a crash can
		// never strand a file between its old and new copies.
		if zd.metadataWriter != nil && len(patches) > 0 {
			var buf bytes.Buffer
			if err := f.EncodeRelocationTo(&buf, patches); err != nil {
				return xerrors.Errorf("zone cleaning: encode relocation for file %d: %w", id, err)
			}
			if err := zd.metadataWriter.Append(ctx, buf.Bytes()); err != nil {
				return xerrors.Errorf("zone cleaning: persist relocation for file %d: %w", id, ErrIO)
			}
		}
	}

	if z.UsedCapacity() == 0 {
		if err := z.reset(ctx); err != nil {
			return xerrors.Errorf("zone cleaning: reset zone %d: %w", z.ID, err)
		}
	}
	return nil
}

// relocateFileExtents reads each of f's live extents out of the victim
// zone and re-appends it through the normal allocator-for-cleaning path,
// patching f.extents in place so readers always see either the old or the
// new location, never neither (spec.md §4.4, "Relocation"). It returns
// the patches applied, so the caller can persist them to the metadata
// journal before the source zone is ever reset.
func (zd *ZoneDevice) relocateFileExtents(ctx context.Context, f *ZoneFile, victims []*ExtentInfo) ([]ExtentPatch, error) {
	f.extentMu.Lock()
	defer f.extentMu.Unlock()

	patches := make([]ExtentPatch, 0, len(victims))
	for _, ei := range victims {
		old := ei.Extent
		buf := make([]byte, old.Length)
		if _, err := zd.device.ReadAt(ctx, old.Zone.ID, buf, old.Start-old.Zone.Start); err != nil {
			return nil, xerrors.Errorf("read live extent: %w", ErrIO)
		}

		newZone, err := zd.AllocateZoneForCleaning(ctx, AllocRequest{
			Hint:         ei.LifetimeHint,
			Level:        ei.Level,
			RequestingID: f.id,
		})
		if err != nil {
			return nil, xerrors.Errorf("allocate cleaning zone: %w", err)
		}

		writeOffset, err := newZone.append(ctx, f.id, buf)
		if err != nil {
			newZone.closeWrCleaning(ctx)
			return nil, xerrors.Errorf("relocate write: %w", err)
		}
		if err := newZone.closeWrCleaning(ctx); err != nil {
			return nil, err
		}

		newExt := Extent{Zone: newZone, Start: writeOffset, Length: old.Length}
		newInfo := &ExtentInfo{
			Extent:       newExt,
			OwningFile:   f.id,
			Filename:     f.filename,
			LifetimeHint: ei.LifetimeHint,
			Level:        ei.Level,
			valid:        true,
		}
		newZone.delMu.Lock()
		newZone.extents = append(newZone.extents, newInfo)
		newZone.delMu.Unlock()
		atomic.AddInt64(&newZone.usedCapacity, old.Length)
		zd.trackZoneForFile(f.id, newZone.ID)

		patchIndex := -1
		for i := range f.extents {
			if f.extents[i].Zone == old.Zone && f.extents[i].Start == old.Start {
				f.extents[i] = newExt
				patchIndex = i
				break
			}
		}

		old.Zone.invalidate(ei)

		if patchIndex >= 0 {
			patches = append(patches, ExtentPatch{Index: patchIndex, Extent: newExt})
		}
	}
	return patches, nil
}
