package zns

// LifetimeHint is the engine's coarse prediction of how long data written
// to a zone will remain live, used to co-locate data with similar
// expected death time.
type LifetimeHint int

const (
	LifetimeNotSet LifetimeHint = iota
	LifetimeShort
	LifetimeMedium
	LifetimeLong
	LifetimeExtreme
)

func (h LifetimeHint) String() string {
	switch h {
	case LifetimeNotSet:
		return "not-set"
	case LifetimeShort:
		return "short"
	case LifetimeMedium:
		return "medium"
	case LifetimeLong:
		return "long"
	case LifetimeExtreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// compatible reports whether two hints may share a zone. The source left
// open whether adjacent rungs (±1) should be treated as compatible; we
// default to strict equality, per spec.md §9 open question (a).
func (h LifetimeHint) compatible(other LifetimeHint) bool {
	return h == other
}

// ZoneState is the position of a Zone in its EMPTY → OPEN → FULL → EMPTY
// lifecycle (spec.md §3 invariant 4).
type ZoneState int

const (
	StateEmpty ZoneState = iota
	StateOpen
	StateFull
)

func (s ZoneState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateOpen:
		return "open"
	case StateFull:
		return "full"
	default:
		return "unknown"
	}
}

// ZoneKind partitions the device's zones between user data, the metadata
// journal, and cleaner scratch space (spec.md §3, ZoneDevice fields).
type ZoneKind int

const (
	KindData ZoneKind = iota
	KindMeta
	KindReserved
)
