package zns

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"
)

// Config bounds the device-wide resources a ZoneDevice may use
// concurrently (spec.md §3, "ZoneDevice", and §5 "Shared-resource caps").
type Config struct {
	MaxActive int
	MaxOpen   int

	// ReservedZones is the number of io zones set aside exclusively for
	// cleaner scratch space (never handed out by the regular allocator).
	ReservedZones int

	Log *log.Logger
}

// ZoneDevice owns the zone pool, the file registry, and the allocator and
// cleaner's shared bookkeeping (spec.md §3, "ZoneDevice").
type ZoneDevice struct {
	device Device
	log    *log.Logger

	ioZones       []*Zone
	metaZones     []*Zone
	reservedZones []*Zone
	idToZone      map[int]*Zone

	ioZonesMu sync.Mutex // guards zone-pool selection during allocation policy

	resourcesMu sync.Mutex
	resourcesCV *sync.Cond
	activeIO    int
	openIO      int
	maxActive   int
	maxOpen     int

	metaMu  sync.Mutex
	metaRR  int // round-robin index into metaZones

	filesMu    sync.Mutex
	files      map[FileID]*ZoneFile
	sstToZones map[FileID]map[int]struct{}
	nextFileID uint64

	cleaningMu sync.Mutex // zone_cleaning_mtx_, held for an entire cleaner pass

	// metadataWriter receives the cleaner's relocation records. It is nil
	// until SetMetadataWriter is called (e.g. by a test harness that never
	// wires a journal), in which case the cleaner relocates but doesn't
	// persist — callers that need crash consistency across GC must wire
	// one before calling Clean.
	metadataWriter MetadataWriter

	shuttingDown int32
}

// SetMetadataWriter wires the journal the cleaner must fsync a relocation
// record to before resetting a victim's source zone (spec.md §4.4, the
// bold Rule). Call this once, before the device starts serving writers.
func (zd *ZoneDevice) SetMetadataWriter(w MetadataWriter) {
	zd.metadataWriter = w
}

// Open enumerates the device's zones via dev.ReportZones and partitions
// them into io/meta/reserved pools (spec.md §3, "Lifecycle").
func Open(ctx context.Context, dev Device, cfg Config) (*ZoneDevice, error) {
	reports, err := dev.ReportZones(ctx)
	if err != nil {
		return nil, xerrors.Errorf("report zones: %w", err)
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.New(discard{}, "", 0)
	}
	zd := &ZoneDevice{
		device:     dev,
		log:        logger,
		idToZone:   make(map[int]*Zone, len(reports)),
		maxActive:  cfg.MaxActive,
		maxOpen:    cfg.MaxOpen,
		files:      make(map[FileID]*ZoneFile),
		sstToZones: make(map[FileID]map[int]struct{}),
	}
	zd.resourcesCV = sync.NewCond(&zd.resourcesMu)

	reserved := cfg.ReservedZones
	for _, r := range reports {
		z := newZone(zd, r)
		zd.idToZone[z.ID] = z
		switch r.Kind {
		case KindMeta:
			zd.metaZones = append(zd.metaZones, z)
		case KindReserved:
			zd.reservedZones = append(zd.reservedZones, z)
		default:
			if reserved > 0 && len(zd.reservedZones) < reserved {
				z.Kind = KindReserved
				zd.reservedZones = append(zd.reservedZones, z)
				continue
			}
			zd.ioZones = append(zd.ioZones, z)
		}
	}
	sort.Slice(zd.ioZones, func(i, j int) bool { return zd.ioZones[i].ID < zd.ioZones[j].ID })
	return zd, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// BlockSize is the device's required write/alignment granularity.
func (zd *ZoneDevice) BlockSize() int { return zd.device.BlockSize() }

// ZoneByID resolves a dense zone id back to its Zone, used by metadata
// decode to turn a persisted zone_id into a live reference.
func (zd *ZoneDevice) ZoneByID(id int) (*Zone, bool) {
	zd.ioZonesMu.Lock()
	defer zd.ioZonesMu.Unlock()
	z, ok := zd.idToZone[id]
	return z, ok
}

func (zd *ZoneDevice) acquireActive() bool {
	zd.resourcesMu.Lock()
	defer zd.resourcesMu.Unlock()
	if zd.activeIO >= zd.maxActive {
		return false
	}
	zd.activeIO++
	return true
}

func (zd *ZoneDevice) acquireOpen() bool {
	zd.resourcesMu.Lock()
	defer zd.resourcesMu.Unlock()
	if zd.openIO >= zd.maxOpen {
		return false
	}
	zd.openIO++
	return true
}

func (zd *ZoneDevice) releaseActive() {
	zd.resourcesMu.Lock()
	zd.activeIO--
	zd.resourcesMu.Unlock()
	zd.resourcesCV.Broadcast()
}

func (zd *ZoneDevice) releaseOpen() {
	zd.resourcesMu.Lock()
	zd.openIO--
	zd.resourcesMu.Unlock()
	zd.resourcesCV.Broadcast()
}

// waitForResource blocks until the predicate is satisfied, shutdown is
// requested, or ctx is canceled (spec.md §5, zone_resources_cv).
func (zd *ZoneDevice) waitForResource(ctx context.Context, ready func() bool) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			zd.resourcesMu.Lock()
			zd.resourcesCV.Broadcast()
			zd.resourcesMu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	zd.resourcesMu.Lock()
	defer zd.resourcesMu.Unlock()
	for !ready() {
		if atomic.LoadInt32(&zd.shuttingDown) != 0 {
			return ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		zd.resourcesCV.Wait()
	}
	return nil
}

// Shutdown sets tracker_exit and wakes every waiter; in-flight appends are
// left to complete on their own (spec.md §5, "Cancellation/shutdown").
func (zd *ZoneDevice) Shutdown() {
	atomic.StoreInt32(&zd.shuttingDown, 1)
	zd.resourcesMu.Lock()
	zd.resourcesCV.Broadcast()
	zd.resourcesMu.Unlock()
}

func (zd *ZoneDevice) isShuttingDown() bool {
	return atomic.LoadInt32(&zd.shuttingDown) != 0
}

// registerFile adds a newly created file to the registry, assigning it
// the next monotonic file id.
func (zd *ZoneDevice) registerFile(f *ZoneFile) {
	zd.filesMu.Lock()
	defer zd.filesMu.Unlock()
	zd.nextFileID++
	f.id = FileID(zd.nextFileID)
	zd.files[f.id] = f
	zd.sstToZones[f.id] = make(map[int]struct{})
}

// File looks up a registered file by id.
func (zd *ZoneDevice) File(id FileID) (*ZoneFile, bool) {
	zd.filesMu.Lock()
	defer zd.filesMu.Unlock()
	f, ok := zd.files[id]
	return f, ok
}

// Files returns every currently registered file, in no particular order.
// Used for metadata checkpointing and the debug FUSE mount.
func (zd *ZoneDevice) Files() []*ZoneFile {
	zd.filesMu.Lock()
	defer zd.filesMu.Unlock()
	out := make([]*ZoneFile, 0, len(zd.files))
	for _, f := range zd.files {
		out = append(out, f)
	}
	return out
}

// forgetFile drops a file from the registry once all of its extents have
// been invalidated and its references drained (spec.md §3, "Lifecycle").
func (zd *ZoneDevice) forgetFile(id FileID) {
	zd.filesMu.Lock()
	defer zd.filesMu.Unlock()
	delete(zd.files, id)
	delete(zd.sstToZones, id)
}

func (zd *ZoneDevice) trackZoneForFile(id FileID, zoneID int) {
	zd.filesMu.Lock()
	defer zd.filesMu.Unlock()
	set, ok := zd.sstToZones[id]
	if !ok {
		set = make(map[int]struct{})
		zd.sstToZones[id] = set
	}
	set[zoneID] = struct{}{}
}

// CreateFile allocates a new, empty ZoneFile and registers it.
func (zd *ZoneDevice) CreateFile(filename string, hint LifetimeHint, level int, isSST bool) *ZoneFile {
	f := &ZoneFile{
		dev:          zd,
		filename:     filename,
		lifetimeHint: hint,
		level:        level,
		isSST:        isSST,
	}
	zd.registerFile(f)
	return f
}
