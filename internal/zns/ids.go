package zns

// FileID uniquely and monotonically identifies a ZoneFile for the
// lifetime of a ZoneDevice (spec.md §3, "ZoneFile.file_id").
type FileID uint64
