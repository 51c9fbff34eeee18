package blockdev

import (
	"context"
	"io"
	"os"
	"sync"

	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/zoneengine/internal/zns"
)

// SimulatedConfig sizes a file-backed stand-in for a real zoned block
// device: NumZones regular io zones, NumMeta metadata zones, NumReserved
// cleaner-scratch zones, each ZoneSize bytes.
type SimulatedConfig struct {
	NumZones    int
	NumMeta     int
	NumReserved int
	ZoneSize    int64
	BlockSize   int
}

type simZone struct {
	mu sync.Mutex
	wp int64 // offset from the zone's own start
}

// Simulated satisfies zns.Device against a single regular file, carved
// into fixed-size zones. Writes go through golang.org/x/sys/unix.Pwrite at
// the zone's write pointer; reads go through an mmap.ReaderAt, mirroring
// how the real driver would serve random reads from page cache.
type Simulated struct {
	cfg    SimulatedConfig
	f      *os.File
	reader *mmap.ReaderAt

	zones []*simZone
}

// CreateSimulated allocates (or truncates) the backing file at path and
// initializes every zone as EMPTY.
func CreateSimulated(path string, cfg SimulatedConfig) (*Simulated, error) {
	total := int64(cfg.NumZones+cfg.NumMeta+cfg.NumReserved) * cfg.ZoneSize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, xerrors.Errorf("create simulated device: %w", err)
	}
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, xerrors.Errorf("truncate simulated device: %w", err)
	}
	reader, err := mmap.Open(path)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("mmap simulated device: %w", err)
	}
	n := cfg.NumZones + cfg.NumMeta + cfg.NumReserved
	zones := make([]*simZone, n)
	for i := range zones {
		zones[i] = &simZone{}
	}
	return &Simulated{cfg: cfg, f: f, reader: reader, zones: zones}, nil
}

// Close releases the backing file and its mmap.
func (s *Simulated) Close() error {
	rerr := s.reader.Close()
	ferr := s.f.Close()
	if rerr != nil {
		return rerr
	}
	return ferr
}

func (s *Simulated) BlockSize() int { return s.cfg.BlockSize }

func (s *Simulated) kindOf(zoneID int) zns.ZoneKind {
	switch {
	case zoneID < s.cfg.NumZones:
		return zns.KindData
	case zoneID < s.cfg.NumZones+s.cfg.NumMeta:
		return zns.KindMeta
	default:
		return zns.KindReserved
	}
}

// ReportZones enumerates every zone in parallel, mirroring a real driver's
// REPORT ZONES ioctl scan across many zones at once.
func (s *Simulated) ReportZones(ctx context.Context) ([]zns.ZoneReport, error) {
	reports := make([]zns.ZoneReport, len(s.zones))
	g, _ := errgroup.WithContext(ctx)
	for i := range s.zones {
		i := i
		g.Go(func() error {
			z := s.zones[i]
			z.mu.Lock()
			wp := z.wp
			z.mu.Unlock()
			reports[i] = zns.ZoneReport{
				ID:           i,
				Kind:         s.kindOf(i),
				Start:        int64(i) * s.cfg.ZoneSize,
				MaxCapacity:  s.cfg.ZoneSize,
				WritePointer: int64(i)*s.cfg.ZoneSize + wp,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// OpenZone and CloseZone are no-ops on the simulated backend: the file
// already exists and accepts writes at any zone's write pointer without an
// explicit open, unlike a real ZBD device which needs OPEN ZONE to start
// accumulating a write pointer and CLOSE ZONE to relinquish it.
func (s *Simulated) OpenZone(ctx context.Context, zoneID int) error  { return nil }
func (s *Simulated) CloseZone(ctx context.Context, zoneID int) error { return nil }

func (s *Simulated) FinishZone(ctx context.Context, zoneID int) error {
	z := s.zones[zoneID]
	z.mu.Lock()
	z.wp = s.cfg.ZoneSize
	z.mu.Unlock()
	return nil
}

func (s *Simulated) ResetZone(ctx context.Context, zoneID int) error {
	z := s.zones[zoneID]
	z.mu.Lock()
	z.wp = 0
	z.mu.Unlock()
	return nil
}

// Append writes buf at zoneID's current write pointer and advances it by
// len(buf), failing closed if that would run past the zone's end.
func (s *Simulated) Append(ctx context.Context, zoneID int, buf []byte) (int, error) {
	z := s.zones[zoneID]
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.wp+int64(len(buf)) > s.cfg.ZoneSize {
		return 0, xerrors.Errorf("zone %d: append past zone end: %w", zoneID, zns.ErrNoSpace)
	}
	start := int64(zoneID)*s.cfg.ZoneSize + z.wp
	n, err := unix.Pwrite(int(s.f.Fd()), buf, start)
	if err != nil {
		return 0, xerrors.Errorf("zone %d: pwrite: %w", zoneID, err)
	}
	z.wp += int64(n)
	return n, nil
}

// ReadAt reads through the mmap'd view of the backing file; reads are not
// bounded by the zone's write pointer. A short read (no error) happens only
// at the end of the backing file, where io.EOF is swallowed.
func (s *Simulated) ReadAt(ctx context.Context, zoneID int, buf []byte, offsetInZone int64) (int, error) {
	off := int64(zoneID)*s.cfg.ZoneSize + offsetInZone
	n, err := s.reader.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, xerrors.Errorf("zone %d: mmap read: %w", zoneID, err)
	}
	return n, nil
}
