package zns

import (
	"bytes"
	"context"
	"testing"
)

// TestSequentialFillProducesExpectedExtents exercises spec.md §8 scenario 1
// ("Sequential fill"): 4 zones of 1 MiB, 4 KiB blocks, one file appended
// 3x400 KiB. A single append never spans two zones (spec.md §1,
// Non-goals), so the first two 400 KiB writes land in zone 0 as two
// distinct extents (totaling 800 KiB of its 1 MiB), and the third spills
// into a fresh zone 1 rather than splitting across the boundary.
func TestSequentialFillProducesExpectedExtents(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 4, 0, 0, 1<<20, 4096)
	ctx := context.Background()

	f := zd.CreateFile("table.sst", LifetimeShort, 0, true)
	chunk := make([]byte, 400*1024)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	for i := 0; i < 3; i++ {
		if err := f.Append(ctx, chunk, len(chunk)); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}
	if err := f.CloseWr(ctx); err != nil {
		t.Fatalf("CloseWr: %v", err)
	}

	if got, want := f.Size(), int64(3*400*1024); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}

	f.extentMu.RLock()
	extents := append([]Extent(nil), f.extents...)
	f.extentMu.RUnlock()
	if len(extents) != 3 {
		t.Fatalf("len(extents) = %d, want 3", len(extents))
	}
	zone0 := zd.ioZones[0]
	zone1 := zd.ioZones[1]
	if extents[0].Zone != zone0 || extents[1].Zone != zone0 {
		t.Fatalf("extents[0], extents[1] zones = %v, %v, want both zone 0", extents[0].Zone.ID, extents[1].Zone.ID)
	}
	if extents[2].Zone != zone1 {
		t.Fatalf("extents[2].Zone = %d, want zone 1", extents[2].Zone.ID)
	}
	if got, want := zone0.UsedCapacity(), int64(800*1024); got != want {
		t.Errorf("zone0.UsedCapacity() = %d, want %d", got, want)
	}
	if got, want := zone1.UsedCapacity(), int64(400*1024); got != want {
		t.Errorf("zone1.UsedCapacity() = %d, want %d", got, want)
	}
	if got := zone0.State(); got != StateFull {
		t.Errorf("zone0.State() = %v, want Full (forced by the undersized third append)", got)
	}

	// Read back the whole file and confirm the bytes round-trip (P6).
	got, err := f.PositionedRead(ctx, 0, int(f.Size()))
	if err != nil {
		t.Fatalf("PositionedRead: %v", err)
	}
	want := append(append(append([]byte(nil), chunk...), chunk...), chunk...)
	if !bytes.Equal(got, want) {
		t.Fatalf("PositionedRead returned %d bytes, want %d bytes matching every write", len(got), len(want))
	}
}

// TestDeleteInvalidatesExtentsAndCleanerResetsForFree exercises spec.md §8
// scenario 2 ("Invalidation"): deleting the file from scenario 1 flips
// every extent invalid and zeroes used_capacity in both zones; cleaning
// with k=2 then resets both zones with no copy work (P2).
func TestDeleteInvalidatesExtentsAndCleanerResetsForFree(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 4, 0, 0, 1<<20, 4096)
	ctx := context.Background()

	f := zd.CreateFile("table.sst", LifetimeShort, 0, true)
	chunk := make([]byte, 400*1024)
	for i := 0; i < 3; i++ {
		if err := f.Append(ctx, chunk, len(chunk)); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}
	if err := f.CloseWr(ctx); err != nil {
		t.Fatalf("CloseWr: %v", err)
	}

	zone0, zone1 := zd.ioZones[0], zd.ioZones[1]
	f.Delete()
	if got := zone0.UsedCapacity(); got != 0 {
		t.Errorf("zone0.UsedCapacity() after delete = %d, want 0", got)
	}
	if got := zone1.UsedCapacity(); got != 0 {
		t.Errorf("zone1.UsedCapacity() after delete = %d, want 0", got)
	}

	if err := zd.Clean(ctx, 2); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if got := zone0.State(); got != StateEmpty {
		t.Errorf("zone0.State() after Clean = %v, want Empty", got)
	}
	if got := zone1.State(); got != StateEmpty {
		t.Errorf("zone1.State() after Clean = %v, want Empty", got)
	}
}

// TestCleanerRelocatesLiveExtents exercises spec.md §8 scenario 4 ("GC with
// live relocation"): four 256 KiB files pinned in one zone; deleting two
// leaves that zone half invalid. Cleaning relocates the two survivors to a
// reserved zone and resets the source zone; the survivors still read back
// identical content (P7).
func TestCleanerRelocatesLiveExtents(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 1, 0, 1, 1<<20, 4096)
	ctx := context.Background()

	const quarter = 256 * 1024
	files := make([]*ZoneFile, 4)
	contents := make([][]byte, 4)
	for i := range files {
		files[i] = zd.CreateFile(fileName(i), LifetimeShort, 0, true)
		contents[i] = make([]byte, quarter)
		for j := range contents[i] {
			contents[i][j] = byte(i*16 + j%16)
		}
		if err := files[i].Append(ctx, contents[i], quarter); err != nil {
			t.Fatalf("append file %d: %v", i, err)
		}
		if err := files[i].CloseWr(ctx); err != nil {
			t.Fatalf("CloseWr file %d: %v", i, err)
		}
	}

	zone0 := zd.ioZones[0]
	if got, want := zone0.UsedCapacity(), int64(4*quarter); got != want {
		t.Fatalf("zone0.UsedCapacity() before delete = %d, want %d", got, want)
	}

	files[1].Delete()
	files[3].Delete()
	if got, want := zone0.UsedCapacity(), int64(2*quarter); got != want {
		t.Fatalf("zone0.UsedCapacity() after deletes = %d, want %d", got, want)
	}

	if err := zd.Clean(ctx, 1); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if got := zone0.State(); got != StateEmpty {
		t.Fatalf("zone0.State() after Clean = %v, want Empty", got)
	}

	for _, i := range []int{0, 2} {
		got, err := files[i].PositionedRead(ctx, 0, quarter)
		if err != nil {
			t.Fatalf("PositionedRead file %d after clean: %v", i, err)
		}
		if !bytes.Equal(got, contents[i]) {
			t.Fatalf("file %d content after clean doesn't match original", i)
		}
	}
}

func fileName(i int) string {
	return string(rune('a'+i)) + ".sst"
}
