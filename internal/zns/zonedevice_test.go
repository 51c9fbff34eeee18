package zns

import (
	"context"
	"time"

	"testing"
)

// TestAllocateZoneBlocksOnActiveCapUntilReleased exercises spec.md §8
// scenario 5 ("Cap backpressure"): with max_active == 1, a second
// AllocateZone call genuinely blocks on the resource condition variable
// (step 5) rather than failing, and only proceeds once the first caller
// releases its active zone.
func TestAllocateZoneBlocksOnActiveCapUntilReleased(t *testing.T) {
	zd, _ := newTestZoneDevice(t, 2, 0, 0, 4096, 512)
	zd.maxActive = 1
	ctx := context.Background()

	f1 := zd.CreateFile("a.sst", LifetimeShort, 0, true)
	z1, err := zd.AllocateZone(ctx, AllocRequest{Hint: LifetimeShort, RequestingID: f1.ID()})
	if err != nil {
		t.Fatalf("AllocateZone #1: %v", err)
	}

	f2 := zd.CreateFile("b.sst", LifetimeShort, 0, true)
	result := make(chan *Zone, 1)
	errs := make(chan error, 1)
	go func() {
		z, err := zd.AllocateZone(ctx, AllocRequest{Hint: LifetimeShort, RequestingID: f2.ID()})
		if err != nil {
			errs <- err
			return
		}
		result <- z
	}()

	select {
	case <-result:
		t.Fatal("AllocateZone #2 returned before the active cap was released")
	case err := <-errs:
		t.Fatalf("AllocateZone #2 failed instead of blocking: %v", err)
	case <-time.After(100 * time.Millisecond):
		// Still blocked, as expected.
	}

	if err := z1.finish(ctx); err != nil {
		t.Fatalf("finish z1: %v", err)
	}

	select {
	case z2 := <-result:
		if z2.ID == z1.ID {
			t.Errorf("AllocateZone #2 returned the just-finished zone %d", z2.ID)
		}
	case err := <-errs:
		t.Fatalf("AllocateZone #2 failed after release: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("AllocateZone #2 never unblocked after the active cap was released")
	}
}
