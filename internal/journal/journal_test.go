package journal

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/distr1/zoneengine/internal/blockdev"
	"github.com/distr1/zoneengine/internal/zns"
)

func openSimulatedDevice(t *testing.T) (*blockdev.Simulated, zns.Config) {
	t.Helper()
	dev, err := blockdev.CreateSimulated(filepath.Join(t.TempDir(), "dev.img"), blockdev.SimulatedConfig{
		NumZones:  2,
		ZoneSize:  256 * 1024,
		BlockSize: 4096,
	})
	if err != nil {
		t.Fatalf("CreateSimulated: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev, zns.Config{MaxActive: 2, MaxOpen: 2}
}

// TestJournalAppendAndReplay exercises spec.md §8 scenario 6
// ("Crash-consistent metadata"): appending incremental updates and then
// replaying them into a freshly opened ZoneDevice over the same backing
// store reconstructs the file's name, size and content.
func TestJournalAppendAndReplay(t *testing.T) {
	ctx := context.Background()
	dev, cfg := openSimulatedDevice(t)

	zd, err := zns.Open(ctx, dev, cfg)
	if err != nil {
		t.Fatalf("zns.Open: %v", err)
	}

	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("journal Open: %v", err)
	}
	defer j.Close()

	f := zd.CreateFile("wal.log", zns.LifetimeShort, 0, false)
	chunk := make([]byte, 32*1024)
	for i := range chunk {
		chunk[i] = byte(i % 97)
	}
	if err := f.Append(ctx, chunk, len(chunk)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.CloseWr(ctx); err != nil {
		t.Fatalf("CloseWr: %v", err)
	}

	var rec bytes.Buffer
	if err := f.EncodeUpdateTo(&rec); err != nil {
		t.Fatalf("EncodeUpdateTo: %v", err)
	}
	if err := j.Append(ctx, rec.Bytes()); err != nil {
		t.Fatalf("journal Append: %v", err)
	}
	f.MetadataSynced()

	// A fresh process: reopen the same backing device and replay the
	// journal into a brand new ZoneDevice.
	zd2, err := zns.Open(ctx, dev, cfg)
	if err != nil {
		t.Fatalf("zns.Open (replay side): %v", err)
	}
	if err := j.Replay(zd2); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	replayed, ok := zd2.File(f.ID())
	if !ok {
		t.Fatalf("replayed device has no file %d", f.ID())
	}
	if replayed.Filename() != "wal.log" {
		t.Errorf("replayed filename = %q, want wal.log", replayed.Filename())
	}
	if got, want := replayed.Size(), f.Size(); got != want {
		t.Errorf("replayed size = %d, want %d", got, want)
	}
	got, err := replayed.PositionedRead(ctx, 0, len(chunk))
	if err != nil {
		t.Fatalf("PositionedRead on replayed file: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Fatal("replayed file content does not match original write")
	}
}

// TestJournalCheckpointTruncatesIncrementalLog exercises spec.md §6,
// "checkpoint": after a checkpoint, replay must reconstruct state purely
// from the snapshot. The update appended before the checkpoint must be gone
// from the incremental log, or replaying it on top of the snapshot would be
// rejected as a duplicate merge.
func TestJournalCheckpointTruncatesIncrementalLog(t *testing.T) {
	ctx := context.Background()
	dev, cfg := openSimulatedDevice(t)

	zd, err := zns.Open(ctx, dev, cfg)
	if err != nil {
		t.Fatalf("zns.Open: %v", err)
	}
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("journal Open: %v", err)
	}
	defer j.Close()

	f := zd.CreateFile("table.sst", zns.LifetimeLong, 1, true)
	chunk := make([]byte, 8*1024)
	if err := f.Append(ctx, chunk, len(chunk)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.CloseWr(ctx); err != nil {
		t.Fatalf("CloseWr: %v", err)
	}
	var rec bytes.Buffer
	if err := f.EncodeUpdateTo(&rec); err != nil {
		t.Fatalf("EncodeUpdateTo: %v", err)
	}
	if err := j.Append(ctx, rec.Bytes()); err != nil {
		t.Fatalf("journal Append: %v", err)
	}
	f.MetadataSynced()

	if err := j.Checkpoint(ctx, zd.Files()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	j2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j2.Close()

	zd2, err := zns.Open(ctx, dev, cfg)
	if err != nil {
		t.Fatalf("zns.Open (replay side): %v", err)
	}
	if err := j2.Replay(zd2); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if _, ok := zd2.File(f.ID()); !ok {
		t.Fatalf("replayed device has no file %d after checkpoint-only replay", f.ID())
	}
}
