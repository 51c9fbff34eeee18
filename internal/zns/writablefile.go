package zns

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"golang.org/x/xerrors"
)

// MetadataWriter is the narrow contract the core consumes from the
// external metadata/edit-log journal (spec.md §6, "MetadataJournal
// contract (consumed)"). A ZonedWritableFile calls Append on close to
// durably record newly-committed extents.
type MetadataWriter interface {
	// Append durably persists record, which was produced by
	// ZoneFile.EncodeUpdateTo, or by EncodeRelocationTo for the cleaner's
	// relocation records.
	Append(ctx context.Context, record []byte) error
}

// ZonedWritableFile is the append-only, block-aligned file facade handed
// to callers above the core (an LSM engine's table builder, WAL writer,
// and so on), staging sub-block writes until a full block is ready
// (spec.md §4.5, "ZonedWritableFile").
type ZonedWritableFile struct {
	file    *ZoneFile
	journal MetadataWriter
	bs      int

	mu     sync.Mutex
	stage  []byte
	closed bool
}

// NewWritableFile wraps f for append-only writes, staging sub-block
// amounts until the device's block size is reached.
func NewWritableFile(f *ZoneFile, journal MetadataWriter, blockSize int) *ZonedWritableFile {
	return &ZonedWritableFile{file: f, journal: journal, bs: blockSize}
}

// GetRequiredBufferAlignment reports the device block size callers must
// align explicit positioned_append offsets to (spec.md §4.5).
func (w *ZonedWritableFile) GetRequiredBufferAlignment() int { return w.bs }

// Append stages p, flushing any block-aligned prefix through to the
// underlying zone file immediately and keeping the remainder buffered
// (spec.md §4.5, "append").
func (w *ZonedWritableFile) Append(ctx context.Context, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return xerrors.Errorf("append to closed writable file: %w", ErrNotSupported)
	}
	w.stage = append(w.stage, p...)
	return w.flushLocked(ctx, false)
}

// PositionedAppend requires offset to equal the file's current logical
// size: this facade is append-only, matching spec.md §4.5's rejection of
// positioned_append at any offset but EOF.
func (w *ZonedWritableFile) PositionedAppend(ctx context.Context, p []byte, offset int64) error {
	if offset != w.file.Size()+int64(len(w.stage)) {
		return xerrors.Errorf("positioned append at %d, not at eof: %w", offset, ErrNotSupported)
	}
	return w.Append(ctx, p)
}

// flushLocked pushes whole blocks of the stage buffer down to the zone
// file. When final is true the remaining partial block is zero-padded and
// flushed too, with only the true byte count marked valid (spec.md §4.5,
// "flush").
func (w *ZonedWritableFile) flushLocked(ctx context.Context, final bool) error {
	whole := (len(w.stage) / w.bs) * w.bs
	n := whole
	validLen := whole
	if final && len(w.stage) > whole {
		validLen = len(w.stage)
		padLen := w.bs - (len(w.stage) - whole)
		w.stage = append(w.stage, make([]byte, padLen)...)
		n = len(w.stage)
	}
	if n == 0 {
		return nil
	}
	chunk := w.stage[:n]
	if err := w.file.Append(ctx, chunk, validLen); err != nil {
		return err
	}
	w.stage = append([]byte(nil), w.stage[n:]...)
	return nil
}

// Flush pushes any complete blocks currently staged, per spec.md §4.5
// "flush" (a no-op beyond what Append already pushes, kept for API
// parity with callers that flush explicitly between appends).
func (w *ZonedWritableFile) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx, false)
}

// Sync flushes the partial tail block (zero-padded, not counted in the
// logical size) so the data is durable on the zone, then persists the
// file's newly-committed extents through the metadata journal (spec.md
// §4.5, "sync").
func (w *ZonedWritableFile) Sync(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(ctx, true); err != nil {
		return err
	}
	if w.journal != nil {
		var buf []byte
		bw := &sliceWriter{buf: &buf}
		if err := w.file.EncodeUpdateTo(bw); err != nil {
			return err
		}
		if len(buf) > 0 {
			if err := w.journal.Append(ctx, buf); err != nil {
				return xerrors.Errorf("sync: metadata journal append: %w", err)
			}
		}
	}
	w.file.MetadataSynced()
	return nil
}

// Fsync is a thin alias for Sync: a ZonedWritableFile has nothing an OS
// page cache would buffer beyond what Sync already flushes and journals
// (spec.md §6, "File API surface (exposed)", fsync).
func (w *ZonedWritableFile) Fsync(ctx context.Context) error {
	return w.Sync(ctx)
}

// RangeSync durably persists the bytes already appended; ZonedWritableFile
// has no partial-range durability narrower than a full Sync, so it's
// likewise a thin alias (spec.md §6, "File API surface (exposed)",
// range_sync). offset and nbytes only bound what the caller is asserting
// has been appended already; everything staged gets flushed regardless.
func (w *ZonedWritableFile) RangeSync(ctx context.Context, offset, nbytes int64) error {
	return w.Sync(ctx)
}

// SetWriteLifetimeHint changes the hint used to steer future zone
// allocations for this file (spec.md §4.1, "lifetime_hint"); it has no
// effect on extents already written. The allocator's affinity and
// hint-compatible-reuse steps (spec.md §4.3) read it back from the
// ZoneFile on the file's next append.
func (w *ZonedWritableFile) SetWriteLifetimeHint(h LifetimeHint) {
	w.file.SetLifetimeHint(h)
}

// Truncate only supports growing or leaving size unchanged: a ZNS file
// cannot shrink without a rewrite, so shrink requests are rejected
// (spec.md §4.5, "truncate").
func (w *ZonedWritableFile) Truncate(ctx context.Context, size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur := w.file.Size() + int64(len(w.stage))
	if size < cur {
		return xerrors.Errorf("truncate to %d below current size %d: %w", size, cur, ErrNotSupported)
	}
	if size == cur {
		return nil
	}
	pad := make([]byte, size-cur)
	w.stage = append(w.stage, pad...)
	return nil
}

// Close flushes and syncs, then releases the active zone write token.
func (w *ZonedWritableFile) Close(ctx context.Context) error {
	if err := w.Sync(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.file.CloseWr(ctx)
}

type sliceWriter struct{ buf *[]byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}

// SequentialFile is a forward-only read facade over a ZoneFile, tracking
// its own cursor (spec.md §6, "File API surface (exposed)").
type SequentialFile struct {
	file *ZoneFile
	pos  int64
}

func NewSequentialFile(f *ZoneFile) *SequentialFile { return &SequentialFile{file: f} }

// Read returns up to len(p) bytes from the current cursor, advancing it,
// and returns io.EOF once the file's logical size is reached.
func (s *SequentialFile) Read(ctx context.Context, p []byte) (int, error) {
	data, err := s.file.PositionedRead(ctx, s.pos, len(p))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, data)
	s.pos += int64(n)
	return n, nil
}

// Skip advances the cursor by n bytes without reading them.
func (s *SequentialFile) Skip(n int64) { s.pos += n }

// RandomAccessFile is a stateless positioned-read facade over a ZoneFile
// (spec.md §6, "File API surface (exposed)").
type RandomAccessFile struct {
	file *ZoneFile
}

func NewRandomAccessFile(f *ZoneFile) *RandomAccessFile { return &RandomAccessFile{file: f} }

func (r *RandomAccessFile) Read(ctx context.Context, offset int64, n int) ([]byte, error) {
	return r.file.PositionedRead(ctx, offset, n)
}

// UniqueID encodes (file_id, generation) into a 12-byte identifier, stable
// across the file's lifetime even through cleaning (spec.md §6,
// "unique_id"): cleaning relocates extents in place without touching
// file_id or generation, so the identifier a caller captured before a GC
// pass is still valid after it.
func UniqueID(f *ZoneFile) [12]byte {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()
	var id [12]byte
	binary.BigEndian.PutUint64(id[:8], uint64(f.id))
	binary.BigEndian.PutUint32(id[8:], f.generation)
	return id
}
