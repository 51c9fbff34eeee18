package zns

// Extent is a contiguous [Start, Start+Length) span inside one zone,
// owned by exactly one file (spec.md §3, "Extent"). It is immutable after
// creation except for whole-extent relocation by the cleaner, which
// invalidates the old extent and creates a new one.
type Extent struct {
	Zone   *Zone
	Start  int64 // absolute device offset
	Length int64
}

// ExtentInfo is the cleaner's GC index entry for one extent: it carries
// enough denormalized state (length, start, zone, owning file, lifetime
// hint, level) that the cleaner can scan a zone's dead/live bytes without
// walking every file (spec.md §3, "ExtentInfo").
type ExtentInfo struct {
	Extent Extent

	OwningFile FileID
	Filename   string

	LifetimeHint LifetimeHint
	Level        int

	// valid flips true→false exactly once. It is guarded by the owning
	// zone's delMu, since invalidation must be atomic with the used
	// capacity it decrements (spec.md §4.1, Zone.invalidate).
	valid bool
}

func (ei *ExtentInfo) Valid() bool { return ei.valid }
