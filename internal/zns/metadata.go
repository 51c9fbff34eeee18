package zns

import (
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// Metadata record tags (spec.md §6, "Metadata record format"). Decoders
// must reject any required tag they don't recognize.
const (
	tagFileID       = 1
	tagFilename     = 2
	tagLifetimeHint = 3
	tagLevel        = 4
	tagSmallestKey  = 5
	tagLargestKey   = 6
	tagIsSST        = 7
	tagExtent       = 8

	// tagRelocatedExtent carries (index, zone_id, start_in_zone, length):
	// the cleaner patching extents[index] to a new physical location
	// without appending anything (spec.md §4.4 step b, "patch the owning
	// file's extents[] entry in place"). It is the wire form of
	// EncodeRelocationTo/applyRelocations, distinct from tagExtent, which
	// only ever describes extents appended at the end of the file.
	tagRelocatedExtent = 9
)

func putTagged(buf *writerseeker.WriterSeeker, tag byte, value []byte) {
	var hdr [1 + binary.MaxVarintLen64]byte
	hdr[0] = tag
	n := binary.PutUvarint(hdr[1:], uint64(len(value)))
	buf.Write(hdr[:1+n])
	buf.Write(value)
}

func putUvarint(buf *writerseeker.WriterSeeker, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// encodeTo writes a self-describing metadata record covering extents
// [firstExtentIndex, len(extents)) plus file attributes (spec.md §4.2,
// "encode_to").
func (f *ZoneFile) encodeTo(w io.Writer, firstExtentIndex int) error {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()

	if firstExtentIndex > len(f.extents) {
		return xerrors.Errorf("encode %d: first extent index %d beyond %d extents", f.id, firstExtentIndex, len(f.extents))
	}

	var buf writerseeker.WriterSeeker

	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], uint64(f.id))
	putTagged(&buf, tagFileID, idBytes[:])
	putTagged(&buf, tagFilename, []byte(f.filename))

	putTagged(&buf, tagLifetimeHint, []byte{byte(f.lifetimeHint)})

	var levelBytes [8]byte
	binary.BigEndian.PutUint64(levelBytes[:], uint64(f.level))
	putTagged(&buf, tagLevel, levelBytes[:])

	putTagged(&buf, tagSmallestKey, f.smallestKey)
	putTagged(&buf, tagLargestKey, f.largestKey)

	sst := byte(0)
	if f.isSST {
		sst = 1
	}
	putTagged(&buf, tagIsSST, []byte{sst})

	for _, ext := range f.extents[firstExtentIndex:] {
		var eb writerseeker.WriterSeeker
		putUvarint(&eb, uint64(ext.Zone.ID))
		putUvarint(&eb, uint64(ext.Start-ext.Zone.Start)) // start_in_zone, relative
		putUvarint(&eb, uint64(ext.Length))
		er, err := io.ReadAll(eb.Reader())
		if err != nil {
			return err
		}
		putTagged(&buf, tagExtent, er)
	}

	r, err := io.ReadAll(buf.Reader())
	if err != nil {
		return err
	}
	_, err = w.Write(r)
	return err
}

// EncodeUpdateTo writes only the extents not yet durably journaled
// (spec.md §4.2, "encode_update_to").
func (f *ZoneFile) EncodeUpdateTo(w io.Writer) error {
	return f.encodeTo(w, f.SyncedExtentCount())
}

// EncodeSnapshotTo writes the full file record (spec.md §4.2,
// "encode_snapshot_to").
func (f *ZoneFile) EncodeSnapshotTo(w io.Writer) error {
	return f.encodeTo(w, 0)
}

// ExtentPatch describes one extents[] entry the cleaner relocated: the
// index being overwritten and its new physical location. It is both the
// in-memory result of ZoneDevice.relocateFileExtents and the payload
// EncodeRelocationTo persists, so a crash between the two can always be
// resolved from the journal alone.
type ExtentPatch struct {
	Index  int
	Extent Extent
}

// EncodeRelocationTo writes a compact record naming exactly the extents[]
// entries the cleaner just overwrote in place, for every patch in
// patches. Unlike EncodeUpdateTo this never describes newly-appended
// extents: replaying it must overwrite existing entries by index, not
// grow the file (spec.md §4.4, the bold Rule: "reset of the source zone
// MUST follow the fsync of the metadata journal entry that records the
// replacement extents").
func (f *ZoneFile) EncodeRelocationTo(w io.Writer, patches []ExtentPatch) error {
	f.extentMu.RLock()
	defer f.extentMu.RUnlock()

	var buf writerseeker.WriterSeeker

	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], uint64(f.id))
	putTagged(&buf, tagFileID, idBytes[:])

	for _, p := range patches {
		var eb writerseeker.WriterSeeker
		putUvarint(&eb, uint64(p.Index))
		putUvarint(&eb, uint64(p.Extent.Zone.ID))
		putUvarint(&eb, uint64(p.Extent.Start-p.Extent.Zone.Start))
		putUvarint(&eb, uint64(p.Extent.Length))
		er, err := io.ReadAll(eb.Reader())
		if err != nil {
			return err
		}
		putTagged(&buf, tagRelocatedExtent, er)
	}

	r, err := io.ReadAll(buf.Reader())
	if err != nil {
		return err
	}
	_, err = w.Write(r)
	return err
}

// DecodedRecord is the result of decoding one metadata record, with zone
// references already resolved through the device's registry (spec.md
// §4.2, "decode_from").
type DecodedRecord struct {
	FileID       FileID
	Filename     string
	LifetimeHint LifetimeHint
	Level        int
	SmallestKey  []byte
	LargestKey   []byte
	IsSST        bool
	Extents      []Extent
	Relocations  []ExtentPatch
}

// cursor is a minimal forward-only io.ByteReader over a byte slice, used
// to decode the varints in this format without pulling in a buffered
// reader just for that.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) ReadByte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, io.EOF
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) Read(p []byte) (int, error) {
	if c.pos >= len(c.buf) {
		return 0, io.EOF
	}
	n := copy(p, c.buf[c.pos:])
	c.pos += n
	return n, nil
}

func readTagged(r io.Reader) (tag byte, value []byte, err error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	// Tagged lengths are varints, but the surrounding stream isn't
	// necessarily a ByteReader, so buffer one byte at a time.
	length, err := binary.ReadUvarint(singleByteReader{r})
	if err != nil {
		return 0, nil, xerrors.Errorf("read length: %w", ErrCorruption)
	}
	value = make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return 0, nil, xerrors.Errorf("read value: %w", ErrCorruption)
	}
	return tagBuf[0], value, nil
}

type singleByteReader struct{ r io.Reader }

func (b singleByteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// DecodeFrom is the inverse of encodeTo, resolving zone references
// through zd's registry (spec.md §4.2, "decode_from").
func DecodeFrom(r io.Reader, zd *ZoneDevice) (*DecodedRecord, error) {
	rec := &DecodedRecord{}
	sawFileID := false
	for {
		tag, value, err := readTagged(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagFileID:
			if len(value) != 8 {
				return nil, xerrors.Errorf("file_id: %w", ErrCorruption)
			}
			rec.FileID = FileID(binary.BigEndian.Uint64(value))
			sawFileID = true
		case tagFilename:
			rec.Filename = string(value)
		case tagLifetimeHint:
			if len(value) != 1 {
				return nil, xerrors.Errorf("lifetime_hint: %w", ErrCorruption)
			}
			rec.LifetimeHint = LifetimeHint(value[0])
		case tagLevel:
			if len(value) != 8 {
				return nil, xerrors.Errorf("level: %w", ErrCorruption)
			}
			rec.Level = int(binary.BigEndian.Uint64(value))
		case tagSmallestKey:
			rec.SmallestKey = value
		case tagLargestKey:
			rec.LargestKey = value
		case tagIsSST:
			if len(value) != 1 {
				return nil, xerrors.Errorf("is_sst: %w", ErrCorruption)
			}
			rec.IsSST = value[0] != 0
		case tagExtent:
			ext, err := decodeExtent(value, zd)
			if err != nil {
				return nil, err
			}
			rec.Extents = append(rec.Extents, ext)
		case tagRelocatedExtent:
			patch, err := decodeRelocatedExtent(value, zd)
			if err != nil {
				return nil, err
			}
			rec.Relocations = append(rec.Relocations, patch)
		default:
			return nil, xerrors.Errorf("unknown required tag %d: %w", tag, ErrCorruption)
		}
	}
	if !sawFileID {
		return nil, xerrors.Errorf("missing file_id: %w", ErrCorruption)
	}
	return rec, nil
}

func decodeExtent(value []byte, zd *ZoneDevice) (Extent, error) {
	c := &cursor{buf: value}
	zoneID, err := binary.ReadUvarint(c)
	if err != nil {
		return Extent{}, xerrors.Errorf("extent zone_id: %w", ErrCorruption)
	}
	startInZone, err := binary.ReadUvarint(c)
	if err != nil {
		return Extent{}, xerrors.Errorf("extent start: %w", ErrCorruption)
	}
	length, err := binary.ReadUvarint(c)
	if err != nil {
		return Extent{}, xerrors.Errorf("extent length: %w", ErrCorruption)
	}
	z, ok := zd.ZoneByID(int(zoneID))
	if !ok {
		return Extent{}, xerrors.Errorf("extent references unknown zone %d: %w", zoneID, ErrCorruption)
	}
	return Extent{Zone: z, Start: z.Start + int64(startInZone), Length: int64(length)}, nil
}

func decodeRelocatedExtent(value []byte, zd *ZoneDevice) (ExtentPatch, error) {
	c := &cursor{buf: value}
	index, err := binary.ReadUvarint(c)
	if err != nil {
		return ExtentPatch{}, xerrors.Errorf("relocated extent index: %w", ErrCorruption)
	}
	zoneID, err := binary.ReadUvarint(c)
	if err != nil {
		return ExtentPatch{}, xerrors.Errorf("relocated extent zone_id: %w", ErrCorruption)
	}
	startInZone, err := binary.ReadUvarint(c)
	if err != nil {
		return ExtentPatch{}, xerrors.Errorf("relocated extent start: %w", ErrCorruption)
	}
	length, err := binary.ReadUvarint(c)
	if err != nil {
		return ExtentPatch{}, xerrors.Errorf("relocated extent length: %w", ErrCorruption)
	}
	z, ok := zd.ZoneByID(int(zoneID))
	if !ok {
		return ExtentPatch{}, xerrors.Errorf("relocated extent references unknown zone %d: %w", zoneID, ErrCorruption)
	}
	return ExtentPatch{
		Index:  int(index),
		Extent: Extent{Zone: z, Start: z.Start + int64(startInZone), Length: int64(length)},
	}, nil
}

// MergeUpdate reconciles an incremental update read from the journal with
// this in-memory file: the new extents must begin at the current
// synced_extent_count (spec.md §4.2, "merge_update"). A record naming an
// extent the file already has is rejected and leaves the file unchanged.
func (f *ZoneFile) MergeUpdate(rec *DecodedRecord) error {
	f.extentMu.Lock()
	defer f.extentMu.Unlock()

	if len(f.extents) != f.syncedExtentCount {
		return xerrors.Errorf("merge update %d: %d unsynced extents present: %w", f.id, len(f.extents)-f.syncedExtentCount, ErrCorruption)
	}
	for _, ext := range rec.Extents {
		for _, have := range f.extents {
			if have.Zone == ext.Zone && have.Start == ext.Start {
				return xerrors.Errorf("merge update %d: extent at %d already merged: %w", f.id, ext.Start, ErrCorruption)
			}
		}
	}
	for _, ext := range rec.Extents {
		f.extents = append(f.extents, ext)
		f.size += ext.Length
	}
	f.filename = rec.Filename
	f.lifetimeHint = rec.LifetimeHint
	f.level = rec.Level
	f.smallestKey = rec.SmallestKey
	f.largestKey = rec.LargestKey
	f.isSST = rec.IsSST
	f.syncedExtentCount = len(f.extents)
	return nil
}

// ReplayRecord reconstructs (or extends) a registered ZoneFile from a
// decoded record, also restoring the owning zones' ExtentInfo index and
// used-capacity accounting — the state the cleaner and allocator need
// after a crash (spec.md §8, scenario 6).
func (zd *ZoneDevice) ReplayRecord(rec *DecodedRecord) (*ZoneFile, error) {
	zd.filesMu.Lock()
	f, exists := zd.files[rec.FileID]
	if !exists {
		f = &ZoneFile{dev: zd, id: rec.FileID}
		zd.files[f.id] = f
		zd.sstToZones[f.id] = make(map[int]struct{})
		if uint64(f.id) > zd.nextFileID {
			zd.nextFileID = uint64(f.id)
		}
	}
	zd.filesMu.Unlock()

	if len(rec.Relocations) > 0 {
		if err := zd.applyRelocations(f, rec.Relocations); err != nil {
			return nil, err
		}
		return f, nil
	}

	if err := f.MergeUpdate(rec); err != nil {
		return nil, err
	}

	for _, ext := range rec.Extents {
		ei := &ExtentInfo{
			Extent:       ext,
			OwningFile:   f.id,
			Filename:     rec.Filename,
			LifetimeHint: rec.LifetimeHint,
			Level:        rec.Level,
			valid:        true,
		}
		ext.Zone.delMu.Lock()
		ext.Zone.extents = append(ext.Zone.extents, ei)
		ext.Zone.delMu.Unlock()
		atomic.AddInt64(&ext.Zone.usedCapacity, ext.Length)
		zd.trackZoneForFile(f.id, ext.Zone.ID)
	}
	return f, nil
}

// applyRelocations replays a set of cleaner relocation patches against f,
// mirroring exactly what ZoneDevice.relocateFileExtents already did in
// memory before the crash: invalidate the old ExtentInfo in its old zone,
// overwrite f.extents[patch.Index], and register a fresh ExtentInfo (plus
// used-capacity) in the new zone.
func (zd *ZoneDevice) applyRelocations(f *ZoneFile, patches []ExtentPatch) error {
	f.extentMu.Lock()
	defer f.extentMu.Unlock()

	for _, p := range patches {
		if p.Index < 0 || p.Index >= len(f.extents) {
			return xerrors.Errorf("relocate %d: index %d out of range of %d extents: %w", f.id, p.Index, len(f.extents), ErrCorruption)
		}
		old := f.extents[p.Index]
		old.Zone.delMu.Lock()
		for _, ei := range old.Zone.extents {
			if ei.OwningFile == f.id && ei.Extent.Start == old.Start && ei.valid {
				ei.valid = false
				atomic.AddInt64(&old.Zone.usedCapacity, -ei.Extent.Length)
				break
			}
		}
		old.Zone.delMu.Unlock()

		f.extents[p.Index] = p.Extent

		newInfo := &ExtentInfo{
			Extent:       p.Extent,
			OwningFile:   f.id,
			Filename:     f.filename,
			LifetimeHint: f.lifetimeHint,
			Level:        f.level,
			valid:        true,
		}
		p.Extent.Zone.delMu.Lock()
		p.Extent.Zone.extents = append(p.Extent.Zone.extents, newInfo)
		p.Extent.Zone.delMu.Unlock()
		atomic.AddInt64(&p.Extent.Zone.usedCapacity, p.Extent.Length)
		zd.trackZoneForFile(f.id, p.Extent.Zone.ID)
	}
	return nil
}
