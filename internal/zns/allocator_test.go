package zns

import (
	"context"
	"testing"
)

func TestAllocateZoneRespectsActiveCap(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 3, 0, 0, 4096, 512)
	zd.maxActive = 1
	ctx := context.Background()

	f1 := zd.CreateFile("a.sst", LifetimeShort, 0, true)
	z1, err := zd.AllocateZone(ctx, AllocRequest{Hint: LifetimeShort, RequestingID: f1.ID()})
	if err != nil {
		t.Fatalf("AllocateZone #1: %v", err)
	}

	f2 := zd.CreateFile("b.sst", LifetimeShort, 0, true)
	ctx2, cancel := context.WithCancel(ctx)
	cancel() // a canceled context makes a step-5 wait return immediately
	if _, err := zd.AllocateZone(ctx2, AllocRequest{Hint: LifetimeShort, RequestingID: f2.ID()}); err == nil {
		t.Fatal("AllocateZone #2 succeeded despite exhausted active cap and no compatible open zone")
	}
	_ = z1
}

func TestAllocateZoneReusesHintCompatibleOpenZone(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 3, 0, 0, 4096, 512)
	ctx := context.Background()

	f1 := zd.CreateFile("a.sst", LifetimeShort, 0, true)
	z1, err := zd.AllocateZone(ctx, AllocRequest{Hint: LifetimeShort, RequestingID: f1.ID()})
	if err != nil {
		t.Fatalf("AllocateZone #1: %v", err)
	}
	if err := z1.closeWr(ctx); err != nil {
		t.Fatalf("closeWr: %v", err)
	}

	f2 := zd.CreateFile("b.sst", LifetimeShort, 1 /* different level, no affinity */, true)
	z2, err := zd.AllocateZone(ctx, AllocRequest{Hint: LifetimeShort, RequestingID: f2.ID()})
	if err != nil {
		t.Fatalf("AllocateZone #2: %v", err)
	}
	if z2.ID != z1.ID {
		t.Errorf("AllocateZone #2 picked zone %d, want the open hint-compatible zone %d", z2.ID, z1.ID)
	}
}

func TestAllocateZonePrefersKeyRangeAffinity(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 3, 0, 0, 4096, 512)
	ctx := context.Background()

	f1 := zd.CreateFile("a.sst", LifetimeMedium, 2, true)
	f1.SetKeyRange([]byte("a"), []byte("m"))
	z1, err := zd.AllocateZone(ctx, AllocRequest{Hint: LifetimeMedium, Level: 2, RequestingID: f1.ID()})
	if err != nil {
		t.Fatalf("AllocateZone #1: %v", err)
	}
	zd.trackZoneForFile(f1.ID(), z1.ID)
	if err := z1.closeWr(ctx); err != nil {
		t.Fatalf("closeWr: %v", err)
	}

	// f2 overlaps f1's key range at the same level: step 1 should reuse z1.
	f2 := zd.CreateFile("b.sst", LifetimeMedium, 2, true)
	z2, err := zd.AllocateZone(ctx, AllocRequest{
		Hint: LifetimeMedium, Level: 2, SmallestKey: []byte("c"), LargestKey: []byte("g"),
		RequestingID: f2.ID(),
	})
	if err != nil {
		t.Fatalf("AllocateZone #2: %v", err)
	}
	if z2.ID != z1.ID {
		t.Errorf("AllocateZone #2 picked zone %d, want affinity zone %d", z2.ID, z1.ID)
	}
}

// TestMixedLifetimeFilesLandInDistinctZones exercises spec.md §8 scenario 3
// ("Mixed lifetime"): two files with incompatible lifetime hints, each
// appended 600 KiB into 1 MiB zones, must never share a zone, since
// hint-compatible reuse (step 4) requires an exact match (spec.md §9, open
// question (a)).
func TestMixedLifetimeFilesLandInDistinctZones(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 4, 0, 0, 1<<20, 4096)
	ctx := context.Background()

	short := zd.CreateFile("short.sst", LifetimeShort, 0, true)
	long := zd.CreateFile("long.sst", LifetimeLong, 0, true)

	chunk := make([]byte, 600*1024)
	if err := short.Append(ctx, chunk, len(chunk)); err != nil {
		t.Fatalf("append short: %v", err)
	}
	if err := long.Append(ctx, chunk, len(chunk)); err != nil {
		t.Fatalf("append long: %v", err)
	}
	defer short.CloseWr(ctx)
	defer long.CloseWr(ctx)

	short.extentMu.RLock()
	shortZone := short.extents[0].Zone
	short.extentMu.RUnlock()
	long.extentMu.RLock()
	longZone := long.extents[0].Zone
	long.extentMu.RUnlock()

	if shortZone.ID == longZone.ID {
		t.Fatalf("short-lifetime and long-lifetime files both landed in zone %d, want distinct zones", shortZone.ID)
	}
}

// TestAllocateZoneRespectsOpenCapOnZoneReuse exercises P5
// (open_io_zones <= max_open) on the zone-reuse path: a zone that was
// closeWr'd released its open-zone token, so re-opening it for a new
// writer must still count against max_open rather than sneaking in for
// free.
func TestAllocateZoneRespectsOpenCapOnZoneReuse(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 3, 0, 0, 4096, 512)
	zd.maxOpen = 1
	ctx := context.Background()

	f1 := zd.CreateFile("a.sst", LifetimeShort, 0, true)
	z1, err := zd.AllocateZone(ctx, AllocRequest{Hint: LifetimeShort, RequestingID: f1.ID()})
	if err != nil {
		t.Fatalf("AllocateZone #1: %v", err)
	}
	if err := z1.closeWr(ctx); err != nil {
		t.Fatalf("closeWr: %v", err)
	}
	if zd.openIO != 0 {
		t.Fatalf("openIO after closeWr = %d, want 0", zd.openIO)
	}

	// f2 reuses z1 (f1's zone at the same level, picked by the affinity
	// step): this must re-acquire the open cap, bringing openIO back to 1.
	f2 := zd.CreateFile("b.sst", LifetimeShort, 0, true)
	z2, err := zd.AllocateZone(ctx, AllocRequest{Hint: LifetimeShort, RequestingID: f2.ID()})
	if err != nil {
		t.Fatalf("AllocateZone #2: %v", err)
	}
	if z2.ID != z1.ID {
		t.Fatalf("AllocateZone #2 picked zone %d, want reused zone %d", z2.ID, z1.ID)
	}
	if zd.openIO != 1 {
		t.Fatalf("openIO after reuse = %d, want 1 (cap must be re-acquired on reuse)", zd.openIO)
	}

	// A third writer must now be blocked: the cap is exhausted and there's
	// no other hint-compatible open zone to reuse.
	f3 := zd.CreateFile("c.sst", LifetimeShort, 0, true)
	ctx3, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := zd.AllocateZone(ctx3, AllocRequest{Hint: LifetimeShort, RequestingID: f3.ID()}); err == nil {
		t.Fatal("AllocateZone #3 succeeded despite exhausted open cap")
	}
}

func TestAllocateMetaZoneRoundRobins(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 1, 3, 0, 4096, 512)

	seen := make(map[int]int)
	for i := 0; i < 6; i++ {
		z, err := zd.AllocateMetaZone()
		if err != nil {
			t.Fatalf("AllocateMetaZone: %v", err)
		}
		seen[z.ID]++
	}
	if len(seen) != 3 {
		t.Fatalf("AllocateMetaZone visited %d distinct zones, want 3", len(seen))
	}
	for id, n := range seen {
		if n != 2 {
			t.Errorf("zone %d visited %d times, want 2", id, n)
		}
	}
}
