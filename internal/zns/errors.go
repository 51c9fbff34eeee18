package zns

import "golang.org/x/xerrors"

// Sentinel errors matching the error kinds of spec.md §7. Callers compare
// with errors.Is; wrapping is done with xerrors.Errorf("...: %w", ...) the
// way the teacher repo wraps errors throughout.
var (
	ErrIO           = xerrors.New("io error")
	ErrNoSpace      = xerrors.New("no space")
	ErrBusy         = xerrors.New("busy")
	ErrNotSupported = xerrors.New("not supported")
	ErrCorruption   = xerrors.New("corruption")
	ErrShutdown     = xerrors.New("shutdown")
)
