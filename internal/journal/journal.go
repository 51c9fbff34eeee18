// Package journal implements the external metadata journal zns consumes
// only through the narrow zns.MetadataWriter contract: an atomically
// replaced, compressed snapshot checkpoint plus an append-only incremental
// update log that together let a ZoneDevice's file registry and extent
// index be replayed after a crash (spec.md §6, "MetadataJournal contract
// (consumed)").
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/distr1/zoneengine/internal/zns"
)

const (
	snapshotName    = "snapshot.gz"
	incrementalName = "incremental.log"
)

// Journal is a concrete zns.MetadataWriter backed by a directory on a
// conventional (non-zoned) filesystem.
type Journal struct {
	dir string

	mu  sync.Mutex
	log *os.File
}

// Open creates dir if needed and opens its incremental log for appending,
// ready to accept Append calls. Call Replay first if recovering prior
// state.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("journal: mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, incrementalName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Errorf("journal: open incremental log: %w", err)
	}
	return &Journal{dir: dir, log: f}, nil
}

func (j *Journal) snapshotPath() string { return filepath.Join(j.dir, snapshotName) }

// Close releases the incremental log's file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.log.Close()
}

func writeFramed(w io.Writer, payload []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(payload)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// iterateFramed walks a stream of length-prefixed records, stopping at
// EOF between records (a mid-record truncation is reported as corruption:
// a crash mid-append to the incremental log must not silently lose the
// records before it).
func iterateFramed(data []byte, fn func([]byte) error) error {
	r := bytes.NewReader(data)
	for {
		length, err := binary.ReadUvarint(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("journal: read record length: %w", zns.ErrCorruption)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return xerrors.Errorf("journal: truncated record: %w", zns.ErrCorruption)
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}

// Append durably persists record (one file's EncodeUpdateTo or
// EncodeRelocationTo output) to the
// incremental log, satisfying zns.MetadataWriter. It fsyncs before
// returning: a crash after Append returns must never lose the record.
func (j *Journal) Append(ctx context.Context, record []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var framed bytes.Buffer
	if err := writeFramed(&framed, record); err != nil {
		return err
	}
	if _, err := j.log.Write(framed.Bytes()); err != nil {
		return xerrors.Errorf("journal: append: %w", zns.ErrIO)
	}
	if err := j.log.Sync(); err != nil {
		return xerrors.Errorf("journal: fsync: %w", zns.ErrIO)
	}
	return nil
}

// Checkpoint writes a fresh, compressed snapshot covering every file's full
// extent list, atomically replacing any prior snapshot, and truncates the
// incremental log: everything it held is now subsumed by the new snapshot
// (spec.md §6, "checkpoint").
func (j *Journal) Checkpoint(ctx context.Context, files []*zns.ZoneFile) error {
	var raw bytes.Buffer
	for _, f := range files {
		var rec bytes.Buffer
		if err := f.EncodeSnapshotTo(&rec); err != nil {
			return xerrors.Errorf("journal: checkpoint: encode file %d: %w", f.ID(), err)
		}
		if err := writeFramed(&raw, rec.Bytes()); err != nil {
			return err
		}
	}

	var compressed bytes.Buffer
	zw := pgzip.NewWriter(&compressed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		return xerrors.Errorf("journal: checkpoint: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return xerrors.Errorf("journal: checkpoint: compress: %w", err)
	}

	if err := renameio.WriteFile(j.snapshotPath(), compressed.Bytes(), 0o644); err != nil {
		return xerrors.Errorf("journal: checkpoint: write snapshot: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.log.Truncate(0); err != nil {
		return xerrors.Errorf("journal: checkpoint: truncate incremental log: %w", err)
	}
	if _, err := j.log.Seek(0, io.SeekStart); err != nil {
		return xerrors.Errorf("journal: checkpoint: seek incremental log: %w", err)
	}
	return nil
}

// Replay reconstructs zd's file registry and extent index from the most
// recent snapshot, then replays every incremental update recorded since
// (spec.md §8, scenario 6, "crash-consistent metadata").
func (j *Journal) Replay(zd *zns.ZoneDevice) error {
	if snap, err := os.ReadFile(j.snapshotPath()); err == nil {
		zr, err := pgzip.NewReader(bytes.NewReader(snap))
		if err != nil {
			return xerrors.Errorf("journal: replay: open snapshot: %w", err)
		}
		raw, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return xerrors.Errorf("journal: replay: read snapshot: %w", err)
		}
		if err := j.replayFramedStream(raw, zd); err != nil {
			return xerrors.Errorf("journal: replay: snapshot: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return xerrors.Errorf("journal: replay: stat snapshot: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.log.Seek(0, io.SeekStart); err != nil {
		return xerrors.Errorf("journal: replay: seek incremental log: %w", err)
	}
	raw, err := io.ReadAll(j.log)
	if err != nil {
		return xerrors.Errorf("journal: replay: read incremental log: %w", err)
	}
	if _, err := j.log.Seek(0, io.SeekEnd); err != nil {
		return xerrors.Errorf("journal: replay: seek incremental log: %w", err)
	}
	if err := j.replayFramedStream(raw, zd); err != nil {
		return xerrors.Errorf("journal: replay: incremental log: %w", err)
	}
	return nil
}

func (j *Journal) replayFramedStream(raw []byte, zd *zns.ZoneDevice) error {
	return iterateFramed(raw, func(payload []byte) error {
		rec, err := zns.DecodeFrom(bytes.NewReader(payload), zd)
		if err != nil {
			return err
		}
		_, err = zd.ReplayRecord(rec)
		return err
	})
}
