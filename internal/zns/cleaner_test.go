package zns

import (
	"context"
	"sync"
	"testing"
)

// recordingJournal is a fake MetadataWriter that just logs the bytes it
// was asked to persist, in call order.
type recordingJournal struct {
	mu      sync.Mutex
	events  []string
	records [][]byte
}

func (j *recordingJournal) Append(ctx context.Context, record []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, "append")
	j.records = append(j.records, append([]byte(nil), record...))
	return nil
}

func (j *recordingJournal) log(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *recordingJournal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

// TestCleanerPersistsRelocationBeforeReset exercises the crash-consistency
// Rule in spec.md §4.4 ("reset of the source zone MUST follow the fsync
// of the metadata journal entry that records the replacement extents"):
// the journal's Append must be observed before the fake device's
// ResetZone for the victim zone.
func TestCleanerPersistsRelocationBeforeReset(t *testing.T) {
	zd, fd := newTestZoneDevice(t, 1, 0, 1, 1<<20, 4096)
	ctx := context.Background()

	j := &recordingJournal{}
	fd.resetHook = func(zoneID int) { j.log("reset") }
	zd.SetMetadataWriter(j)

	const quarter = 256 * 1024
	f := zd.CreateFile("a.sst", LifetimeShort, 0, true)
	content := make([]byte, quarter)
	for i := range content {
		content[i] = byte(i)
	}
	if err := f.Append(ctx, content, quarter); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.CloseWr(ctx); err != nil {
		t.Fatalf("CloseWr: %v", err)
	}

	// Pad the zone with a second, throwaway file and delete it, so zone0
	// carries invalid bytes and becomes a victim; f stays live so Clean
	// must relocate it.
	pad := zd.CreateFile("b.sst", LifetimeShort, 0, true)
	if err := pad.Append(ctx, content, quarter); err != nil {
		t.Fatalf("append pad: %v", err)
	}
	if err := pad.CloseWr(ctx); err != nil {
		t.Fatalf("CloseWr pad: %v", err)
	}
	pad.Delete()

	if err := zd.Clean(ctx, 1); err != nil {
		t.Fatalf("Clean: %v", err)
	}

	events := j.snapshot()
	if len(events) == 0 {
		t.Fatal("no journal/reset events observed")
	}
	resetIdx, appendIdx := -1, -1
	for i, e := range events {
		switch e {
		case "append":
			if appendIdx == -1 {
				appendIdx = i
			}
		case "reset":
			if resetIdx == -1 {
				resetIdx = i
			}
		}
	}
	if appendIdx == -1 {
		t.Fatalf("relocation record was never appended to the journal: %v", events)
	}
	if resetIdx == -1 {
		t.Fatalf("victim zone was never reset: %v", events)
	}
	if appendIdx > resetIdx {
		t.Fatalf("zone reset (event %d) observed before journal append (event %d): %v", resetIdx, appendIdx, events)
	}

	got, err := f.PositionedRead(ctx, 0, quarter)
	if err != nil {
		t.Fatalf("PositionedRead after clean: %v", err)
	}
	for i := range got {
		if got[i] != content[i] {
			t.Fatalf("relocated content mismatch at byte %d", i)
		}
	}
}
