package zns

import (
	"bytes"
	"context"
	"sort"

	"golang.org/x/xerrors"
)

// AllocRequest describes the file on whose behalf a new extent's zone is
// being chosen (spec.md §4.3, "Allocator").
type AllocRequest struct {
	Hint         LifetimeHint
	SmallestKey  []byte
	LargestKey   []byte
	Level        int
	RequestingID FileID
}

func keysOverlap(aSmall, aLarge, bSmall, bLarge []byte) bool {
	if len(bSmall) == 0 && len(bLarge) == 0 {
		return true
	}
	if len(aLarge) > 0 && bytes.Compare(aLarge, bSmall) < 0 {
		return false
	}
	if len(aSmall) > 0 && bytes.Compare(bLarge, aSmall) < 0 {
		return false
	}
	return true
}

// candidate is one zone being weighed by the allocator policy.
type candidate struct {
	zone      *Zone
	remaining int64
}

func rankCandidates(cands []candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].remaining != cands[j].remaining {
			return cands[i].remaining > cands[j].remaining // largest remaining capacity first
		}
		return cands[i].zone.ID < cands[j].zone.ID // tie-break: lower zone_id
	})
}

// zonesForLevel returns the distinct zones hosting any file at level
// (optionally filtered by key-range overlap with [smallest,largest]),
// excluding the requesting file itself.
func (zd *ZoneDevice) zonesForLevel(level int, smallest, largest []byte, filterKeys bool, exclude FileID) []*Zone {
	zd.filesMu.Lock()
	var fileIDs []FileID
	for id, f := range zd.files {
		if id == exclude || f.level != level {
			continue
		}
		if filterKeys && !keysOverlap(smallest, largest, f.smallestKey, f.largestKey) {
			continue
		}
		fileIDs = append(fileIDs, id)
	}
	seen := make(map[int]bool)
	var zoneIDs []int
	for _, id := range fileIDs {
		for zoneID := range zd.sstToZones[id] {
			if !seen[zoneID] {
				seen[zoneID] = true
				zoneIDs = append(zoneIDs, zoneID)
			}
		}
	}
	zd.filesMu.Unlock()

	zd.ioZonesMu.Lock()
	defer zd.ioZonesMu.Unlock()
	zones := make([]*Zone, 0, len(zoneIDs))
	for _, id := range zoneIDs {
		if z, ok := zd.idToZone[id]; ok {
			zones = append(zones, z)
		}
	}
	return zones
}

func (zd *ZoneDevice) affinityCandidate(req AllocRequest, zones []*Zone, blockSize int64) *Zone {
	var cands []candidate
	for _, z := range zones {
		if z.State() == StateFull {
			continue
		}
		if !z.LifetimeHint().compatible(req.Hint) {
			continue
		}
		z.mu.Lock()
		heldByOther := z.openForWrite != 0 && z.openForWrite != req.RequestingID
		z.mu.Unlock()
		if heldByOther {
			// Another file currently holds this zone's write token; picking
			// it here would just fail in takeOpenZone instead of falling
			// through to steps 3-5 as the policy intends.
			continue
		}
		rem := z.Capacity()
		if rem < blockSize {
			continue
		}
		cands = append(cands, candidate{zone: z, remaining: rem})
	}
	if len(cands) == 0 {
		return nil
	}
	rankCandidates(cands)
	return cands[0].zone
}

// AllocateZone is the single entry point for the five-step allocation
// policy of spec.md §4.3. It blocks on the device's resource condition
// variable only in the waiting step (5); callers should pass a
// cancelable ctx.
func (zd *ZoneDevice) AllocateZone(ctx context.Context, req AllocRequest) (*Zone, error) {
	if zd.isShuttingDown() {
		return nil, ErrShutdown
	}
	blockSize := int64(zd.device.BlockSize())

	// Step 1: same-file/same-level affinity (key-range overlap).
	if z := zd.affinityCandidate(req, zd.zonesForLevel(req.Level, req.SmallestKey, req.LargestKey, true, req.RequestingID), blockSize); z != nil {
		if zone, ok := zd.takeOpenZone(z, req); ok {
			return zone, nil
		}
		// Busy (lost the race) or over the open-zone cap: fall through to
		// steps 2-5 rather than failing the whole request.
	}

	// Step 2: level affinity (no key-range filter).
	if z := zd.affinityCandidate(req, zd.zonesForLevel(req.Level, nil, nil, false, req.RequestingID), blockSize); z != nil {
		if zone, ok := zd.takeOpenZone(z, req); ok {
			return zone, nil
		}
	}

	for {
		// Step 3: an empty zone, if under the active-zone cap.
		if z := zd.tryEmptyZone(ctx, req); z != nil {
			return z, nil
		}

		// Step 4: any OPEN zone whose hint matches exactly.
		if z := zd.tryHintCompatibleOpenZone(req, blockSize); z != nil {
			if zone, ok := zd.takeOpenZone(z, req); ok {
				return zone, nil
			}
		}

		// Step 5: wait for a zone to close or finish, then retry. Steps 3
		// and 4 both need an open-zone token, so neither counts as ready
		// while the open cap is full, or the loop would just spin.
		ready := func() bool {
			if zd.openIO >= zd.maxOpen {
				return false
			}
			return zd.activeIO < zd.maxActive || zd.hasHintCompatibleOpenZone(req, blockSize)
		}
		if err := zd.waitForResource(ctx, ready); err != nil {
			return nil, xerrors.Errorf("allocate zone: %w", err)
		}
	}
}

func (zd *ZoneDevice) tryEmptyZone(ctx context.Context, req AllocRequest) *Zone {
	if !zd.acquireActive() {
		return nil
	}
	zd.ioZonesMu.Lock()
	var chosen *Zone
	for _, z := range zd.ioZones {
		if z.State() == StateEmpty {
			chosen = z
			break
		}
	}
	zd.ioZonesMu.Unlock()
	if chosen == nil {
		zd.releaseActive()
		return nil
	}
	if !zd.acquireOpen() {
		zd.releaseActive()
		return nil
	}
	chosen.mu.Lock()
	chosen.lifetimeHint = req.Hint
	chosen.openForWrite = req.RequestingID
	chosen.mu.Unlock()
	zd.trackZoneForFile(req.RequestingID, chosen.ID)
	return chosen
}

func (zd *ZoneDevice) tryHintCompatibleOpenZone(req AllocRequest, blockSize int64) *Zone {
	zd.ioZonesMu.Lock()
	defer zd.ioZonesMu.Unlock()
	var best *Zone
	var bestRem int64 = -1
	for _, z := range zd.ioZones {
		if z.State() != StateOpen {
			continue
		}
		z.mu.Lock()
		free := z.openForWrite == 0 && z.lifetimeHint == req.Hint && z.capacity >= blockSize
		rem := z.capacity
		z.mu.Unlock()
		if free && rem > bestRem {
			best, bestRem = z, rem
		}
	}
	return best
}

func (zd *ZoneDevice) hasHintCompatibleOpenZone(req AllocRequest, blockSize int64) bool {
	return zd.tryHintCompatibleOpenZone(req, blockSize) != nil
}

// takeOpenZone claims the write token of an already-open zone chosen by
// steps 1, 2 or 4 of the policy. z was previously closeWr'd, which
// released its open-zone cap slot (internal/zns/zone.go, closeWr ->
// releaseOpen), so reusing it for a new writer must re-acquire that slot
// through acquireOpen just as tryEmptyZone does for a fresh zone -
// otherwise open_io_zones silently drifts below its true count and the
// device can end up holding more write tokens than max_open (spec.md §5,
// P5). ok is false if the zone was claimed by someone else first or the
// open cap has no room; callers should fall through to the next policy
// step rather than treat it as fatal.
func (zd *ZoneDevice) takeOpenZone(z *Zone, req AllocRequest) (*Zone, bool) {
	z.mu.Lock()
	busy := z.openForWrite != 0
	z.mu.Unlock()
	if busy {
		return nil, false
	}
	if !zd.acquireOpen() {
		return nil, false
	}
	z.mu.Lock()
	if z.openForWrite != 0 {
		z.mu.Unlock()
		zd.releaseOpen()
		return nil, false
	}
	z.openForWrite = req.RequestingID
	z.mu.Unlock()
	zd.trackZoneForFile(req.RequestingID, z.ID)
	return z, true
}

// takeOpenZoneForCleaning claims the write token of a zone chosen by
// AllocateZoneForCleaning's second pass. Unlike takeOpenZone, it never
// touches the open-zone cap: cleaning zones are never counted against
// max_open in the first place (spec.md §4.3, "never blocks on the
// active/open caps"), and closeWrCleaning correspondingly never calls
// releaseOpen.
func (zd *ZoneDevice) takeOpenZoneForCleaning(z *Zone, req AllocRequest) (*Zone, error) {
	z.mu.Lock()
	if z.openForWrite != 0 {
		z.mu.Unlock()
		return nil, xerrors.Errorf("zone %d: %w", z.ID, ErrBusy)
	}
	z.openForWrite = req.RequestingID
	z.mu.Unlock()
	zd.trackZoneForFile(req.RequestingID, z.ID)
	return z, nil
}

// AllocateZoneForCleaning draws from reserved_zones first, then the
// allocate_queue ordering (fewest valid bytes first, ties broken by most
// invalid bytes). It never blocks on the active/open caps (spec.md §4.3).
func (zd *ZoneDevice) AllocateZoneForCleaning(ctx context.Context, req AllocRequest) (*Zone, error) {
	zd.ioZonesMu.Lock()
	for _, z := range zd.reservedZones {
		if z.State() != StateFull {
			z.mu.Lock()
			if z.openForWrite == 0 {
				z.openForWrite = req.RequestingID
				z.mu.Unlock()
				zd.ioZonesMu.Unlock()
				return z, nil
			}
			z.mu.Unlock()
		}
	}
	zd.ioZonesMu.Unlock()

	for _, z := range zd.allocateQueueSnapshot() {
		z.mu.Lock()
		free := z.openForWrite == 0 && z.state != StateFull
		z.mu.Unlock()
		if free {
			return zd.takeOpenZoneForCleaning(z, req)
		}
	}
	return nil, xerrors.Errorf("allocate zone for cleaning: %w", ErrNoSpace)
}

// allocateQueueSnapshot orders io zones by (valid bytes ascending, invalid
// bytes descending): the zones most dominated by dead data, with the
// least live data to relocate, sort first.
func (zd *ZoneDevice) allocateQueueSnapshot() []*Zone {
	zd.ioZonesMu.Lock()
	zones := append([]*Zone(nil), zd.ioZones...)
	zd.ioZonesMu.Unlock()

	type scored struct {
		z             *Zone
		valid, invalid int64
	}
	scoredZones := make([]scored, 0, len(zones))
	for _, z := range zones {
		valid := z.UsedCapacity()
		written := z.WritePointer() - z.Start
		invalid := written - valid
		scoredZones = append(scoredZones, scored{z, valid, invalid})
	}
	sort.Slice(scoredZones, func(i, j int) bool {
		if scoredZones[i].valid != scoredZones[j].valid {
			return scoredZones[i].valid < scoredZones[j].valid
		}
		return scoredZones[i].invalid > scoredZones[j].invalid
	})
	out := make([]*Zone, len(scoredZones))
	for i, s := range scoredZones {
		out[i] = s.z
	}
	return out
}

// gcQueueSnapshot orders io zones by invalid bytes descending, the order
// the cleaner pops victims from (spec.md §3, "gc_queue").
func (zd *ZoneDevice) gcQueueSnapshot() []*Zone {
	zd.ioZonesMu.Lock()
	zones := append([]*Zone(nil), zd.ioZones...)
	zd.ioZonesMu.Unlock()

	sort.Slice(zones, func(i, j int) bool {
		wi := zones[i].WritePointer() - zones[i].Start - zones[i].UsedCapacity()
		wj := zones[j].WritePointer() - zones[j].Start - zones[j].UsedCapacity()
		return wi > wj
	})
	return zones
}

// AllocateMetaZone draws exclusively from meta_zones in round-robin
// (spec.md §4.3, "Allocation for metadata").
func (zd *ZoneDevice) AllocateMetaZone() (*Zone, error) {
	zd.metaMu.Lock()
	defer zd.metaMu.Unlock()
	if len(zd.metaZones) == 0 {
		return nil, xerrors.Errorf("no meta zones configured: %w", ErrNoSpace)
	}
	z := zd.metaZones[zd.metaRR%len(zd.metaZones)]
	zd.metaRR++
	return z, nil
}
