// Package openpolicy selects the archive creation hints and open flags
// for a file about to be written, from the allocation size the frame
// advertises and whether the transfer truncates an existing file.
//
// Grounded on original_source/source/module/stor.c's
// stor_open_for_writing: the min-size hint is REQUIRED (the archive
// must place the file somewhere that can hold it) while the max-size
// hint is only HIGHLY_DESIRED, never REQUIRED — a REQUIRED maximum
// would exclude every storage class whose per-class cap sits below the
// hinted size, which can turn an oversized-but-plausible allocation
// hint into a hard create failure.
package openpolicy

import "github.com/ncw-hpss/gridftp-hpss-dsi/archive"

// The os.OpenFile-style flags used for STOR: FlagWriteCreate is always
// present; OpenFlags adds FlagTruncate when truncate is requested.
const (
	FlagWriteCreate = 1 << iota // O_WRONLY|O_CREAT, always present
	FlagTruncate                // O_TRUNC, present iff the caller requested it
)

// HintsFor builds the creation hint the archive open call uses, per
// spec.md §4.7. A non-positive allocSize means the frame did not
// advertise a size (e.g. a restart append, or a frame that does not
// support SIZE hints); no hints are set in that case.
func HintsFor(allocSize int64) archive.COSHints {
	if allocSize <= 0 {
		return archive.COSHints{}
	}
	return archive.COSHints{
		MinFileSize: allocSize,
		MinPriority: archive.PriorityRequired,
		MaxFileSize: allocSize,
		MaxPriority: archive.PriorityHighlyDesired,
	}
}

// OpenFlags builds the os.OpenFile-style flag set for a STOR open:
// always write+create, plus truncate when requested.
func OpenFlags(truncate bool) int {
	flags := FlagWriteCreate
	if truncate {
		flags |= FlagTruncate
	}
	return flags
}

// ShouldReapplyHints reports whether an already-open, truncated file's
// class-of-service hints should be re-applied via
// archive.File.SetClassByHints: only when the file's fileset does not
// itself pin a storage class (spec.md §4.7).
func ShouldReapplyHints(truncate bool, filesetPinsClass bool) bool {
	return truncate && !filesetPinsClass
}
