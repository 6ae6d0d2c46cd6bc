// Package rangelist implements the ordered, non-overlapping byte-range
// list shared by the STOR, RETR and CKSM engines: what remains to be
// transferred, and the translation between a transfer's cumulative byte
// offset and the file's absolute byte offset when the transfer restarts
// across disjoint ranges.
package rangelist

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// OpenEnded is the designated "until end of file" sentinel length. A
// frame range of length -1 is clipped to the bytes remaining before
// the file's end when the file size is known, and becomes OpenEnded
// when no file size is known yet.
const OpenEnded = int64(1<<63 - 1)

// Range is a half-open byte interval [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

// End returns the first byte past the range, or OpenEnded if the range
// has no known end.
func (r Range) End() int64 {
	if r.Length == OpenEnded {
		return OpenEnded
	}
	return r.Offset + r.Length
}

// IsEmpty reports whether the range covers no bytes.
func (r Range) IsEmpty() bool {
	return r.Length <= 0
}

// abuts reports whether r ends exactly where o begins (or vice versa),
// so the two can be merged into one contiguous range.
func (r Range) abuts(o Range) bool {
	return r.End() == o.Offset || o.End() == r.Offset
}

func (r Range) overlaps(o Range) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return false
	}
	return r.Offset < o.End() && o.Offset < r.End()
}

// List is a mutex-protected ordered, disjoint set of Ranges. The zero
// value is an empty, ready-to-use list.
type List struct {
	mu     sync.Mutex
	ranges []Range // kept sorted by Offset, no two touching or overlapping
}

// ErrZeroLength is returned by Insert when asked to insert a zero-length
// range; the caller contract forbids this.
var ErrZeroLength = errors.New("rangelist: insert of zero-length range")

// ErrOverlap is returned by Insert when the new range overlaps an
// existing one; the caller contract forbids overlapping ranges.
var ErrOverlap = errors.New("rangelist: insert of overlapping range")

// Insert adds [offset, offset+length) to the list, merging with any
// abutting neighbor. Overlap with an existing range is a caller
// contract violation and is rejected.
func (l *List) Insert(offset, length int64) error {
	if length == 0 {
		return ErrZeroLength
	}
	r := Range{Offset: offset, Length: length}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := sort.Search(len(l.ranges), func(i int) bool { return l.ranges[i].Offset >= r.Offset })

	// Check both neighbors for overlap.
	if idx > 0 && l.ranges[idx-1].overlaps(r) {
		return errors.Wrapf(ErrOverlap, "offset=%d length=%d", offset, length)
	}
	if idx < len(l.ranges) && l.ranges[idx].overlaps(r) {
		return errors.Wrapf(ErrOverlap, "offset=%d length=%d", offset, length)
	}

	merged := r
	lo, hi := idx, idx
	if idx > 0 && l.ranges[idx-1].abuts(r) {
		merged = coalesce(l.ranges[idx-1], merged)
		lo = idx - 1
	}
	if idx < len(l.ranges) && l.ranges[idx].abuts(merged) {
		merged = coalesce(merged, l.ranges[idx])
		hi = idx + 1
	} else if hi == idx {
		hi = idx
	}

	out := make([]Range, 0, len(l.ranges)-(hi-lo)+1)
	out = append(out, l.ranges[:lo]...)
	out = append(out, merged)
	out = append(out, l.ranges[hi:]...)
	l.ranges = out
	return nil
}

// coalesce merges two abutting ranges into one. Either side may be
// open-ended.
func coalesce(a, b Range) Range {
	if a.Offset > b.Offset {
		a, b = b, a
	}
	if a.Length == OpenEnded || b.Length == OpenEnded {
		return Range{Offset: a.Offset, Length: OpenEnded}
	}
	return Range{Offset: a.Offset, Length: b.End() - a.Offset}
}

// Delete removes [offset, offset+length) from the list, splitting a
// node if the deleted range falls strictly inside it.
func (l *List) Delete(offset, length int64) error {
	if length == 0 {
		return ErrZeroLength
	}
	target := Range{Offset: offset, Length: length}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Range, 0, len(l.ranges)+1)
	for _, r := range l.ranges {
		if !r.overlaps(target) {
			out = append(out, r)
			continue
		}
		if r.Offset < target.Offset {
			out = append(out, Range{Offset: r.Offset, Length: target.Offset - r.Offset})
		}
		if target.End() != OpenEnded && (r.Length == OpenEnded || r.End() > target.End()) {
			var tail Range
			if r.Length == OpenEnded {
				tail = Range{Offset: target.End(), Length: OpenEnded}
			} else {
				tail = Range{Offset: target.End(), Length: r.End() - target.End()}
			}
			out = append(out, tail)
		}
	}
	l.ranges = out
	return nil
}

// Peek returns the head range without removing it.
func (l *List) Peek() (Range, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ranges) == 0 {
		return Range{}, false
	}
	return l.ranges[0], true
}

// Pop removes and returns the head range.
func (l *List) Pop() (Range, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ranges) == 0 {
		return Range{}, false
	}
	r := l.ranges[0]
	l.ranges = l.ranges[1:]
	return r, true
}

// Len reports the number of disjoint ranges currently held.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ranges)
}

// All returns a copy of the ranges currently held, in order. Intended
// for tests and for translation helpers below.
func (l *List) All() []Range {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Range, len(l.ranges))
	copy(out, l.ranges)
	return out
}

// TransferToFile translates a cumulative transfer-space offset into the
// absolute file offset, given the full ordered list of ranges the
// transfer is made of.
func TransferToFile(remaining []Range, transferOffset int64) (int64, error) {
	remain := transferOffset
	for _, r := range remaining {
		span := r.Length
		if span == OpenEnded {
			return r.Offset + remain, nil
		}
		if remain < span {
			return r.Offset + remain, nil
		}
		remain -= span
	}
	return 0, errors.Errorf("rangelist: transfer offset %d exceeds total range length", transferOffset)
}

// FileToTransfer is the inverse of TransferToFile: given the disjoint
// ranges making up a transfer and an absolute file offset known to fall
// within one of them, returns the cumulative transfer-space offset.
func FileToTransfer(remaining []Range, fileOffset int64) (int64, error) {
	var acc int64
	for _, r := range remaining {
		if fileOffset >= r.Offset && (r.Length == OpenEnded || fileOffset < r.End()) {
			return acc + (fileOffset - r.Offset), nil
		}
		if r.Length == OpenEnded {
			break
		}
		acc += r.Length
	}
	return 0, errors.Errorf("rangelist: file offset %d not within any range", fileOffset)
}

// FrameRange is one (offset, length) pair as supplied by the frame's
// range metadata for a transfer; Length == -1 is the frame's "to end of
// file" sentinel.
type FrameRange struct {
	Offset int64
	Length int64
}

// fill builds a List from frame-supplied ranges, clipping any -1-length
// (open) entry against the known file size. fileSize < 0 means the file
// size is not yet known (e.g. a STOR of a new file); open ranges are
// then left as OpenEnded rather than clipped.
func fill(frameRanges []FrameRange, fileSize int64) (*List, error) {
	l := &List{}
	for _, fr := range frameRanges {
		length := fr.Length
		if length == -1 {
			if fileSize < 0 {
				length = OpenEnded
			} else {
				length = fileSize - fr.Offset
				if length <= 0 {
					continue // nothing left to do with this range
				}
			}
		}
		if length == 0 {
			continue
		}
		if err := l.Insert(fr.Offset, length); err != nil {
			return nil, errors.Wrap(err, "rangelist: fill")
		}
	}
	return l, nil
}

// FillForStor builds the range list for a STOR (frame -> archive)
// transfer. The file size is not required: a STOR may be creating the
// file, so an open-ended range is left open rather than clipped.
func FillForStor(frameRanges []FrameRange) (*List, error) {
	return fill(frameRanges, -1)
}

// FillForRetr builds the range list for a RETR (archive -> frame)
// transfer, clipping any open-ended range to the file's known size.
func FillForRetr(frameRanges []FrameRange, fileSize int64) (*List, error) {
	return fill(frameRanges, fileSize)
}

// FillForCksm builds the range list for a CKSM (digest) pass. Identical
// clipping rules to RETR: the source must already exist.
func FillForCksm(frameRanges []FrameRange, fileSize int64) (*List, error) {
	return fill(frameRanges, fileSize)
}
