// Package pio drives one archive-side parallel-I/O session: it launches
// the coordinator and mover roles as two goroutines joined by an
// errgroup.Group, normalizes the archive's "end requested" status to
// success, and reports the transfer's terminal result exactly once.
//
// This is the Go-native replacement for spec.md §9's "detached vs
// joinable PIO threads" redesign: both roles here are always goroutines
// under the same errgroup, so there is no detached/joinable ambiguity,
// and errgroup.Group's own "first error cancels the group's context"
// behavior is the concrete mechanism behind centralizing first-error-wins
// in one latch (internal/errlatch), rather than the two roles racing to
// set shared booleans.
package pio

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ncw-hpss/gridftp-hpss-dsi/archive"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/errlatch"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/xlog"
)

// RangeCompleteFunc is invoked on the coordinator's goroutine once the
// current range has fully drained. It returns the next (offset,
// length) to schedule, or eot=true to end the transfer.
type RangeCompleteFunc func(offset, length int64) (nextOffset, nextLength int64, eot bool, err error)

// TransferCompleteFunc is invoked exactly once, after both the
// coordinator and mover goroutines have returned and the archive
// session has been fully ended.
type TransferCompleteFunc func(result error)

// GapFunc is invoked on the coordinator's goroutine when Execute
// reports a sparse hole immediately following the bytes it moved.
// fileOffset is where the hole begins. STOR has no use for this (the
// archive already skipped writing the hole; nothing further is owed to
// the frame), but RETR uses it to synthesize a zero-filled write for
// the span so the client still receives those bytes.
type GapFunc func(fileOffset, gapLength int64) error

// Options configures one Run call.
type Options struct {
	OpType           archive.OpType
	File             archive.File
	BlockSize        int64
	InitialOffset    int64
	InitialLength    int64
	DataCallout      archive.DataCallout
	RangeComplete    RangeCompleteFunc
	TransferComplete TransferCompleteFunc

	// Gap, if non-nil, is invoked for every archive-reported hole before
	// RangeComplete sees the advanced offset.
	Gap GapFunc

	// Latch, if non-nil, is shared with the caller: errors discovered
	// outside the coordinator/mover goroutines (e.g. a frame callback
	// failing on its own completion thread) are published through it,
	// and the very next coordinator or mover step observes and honors
	// it. If nil, Run uses a private latch scoped to this call.
	Latch *errlatch.Latch
}

// Run performs the full lifecycle: start, launch coordinator + mover,
// join both, end the session, and report the result. It blocks until
// the transfer is complete.
//
// InitialLength == 0 is a legal no-op (spec.md §4.3): TransferComplete
// fires immediately with a nil result and the archive is never opened
// for parallel I/O.
func Run(ctx context.Context, opts Options) error {
	if opts.InitialLength == 0 {
		opts.TransferComplete(nil)
		return nil
	}

	session, err := opts.File.StartPIO(ctx, opts.OpType, opts.BlockSize, opts.InitialOffset, opts.InitialLength)
	if err != nil {
		opts.TransferComplete(err)
		return err
	}

	latch := opts.Latch
	if latch == nil {
		latch = &errlatch.Latch{}
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := runCoordinator(gctx, session, opts.InitialOffset, opts.InitialLength, opts.RangeComplete, opts.Gap, latch)
		if endErr := session.EndCoordinatorGroup(); endErr != nil {
			latch.Fail(endErr)
		}
		return err
	})

	g.Go(func() error {
		err := runMover(gctx, session, opts.BlockSize, opts.DataCallout, latch)
		if endErr := session.EndMoverGroup(); endErr != nil {
			latch.Fail(endErr)
		}
		return err
	})

	waitErr := g.Wait()
	result := latch.Err()
	if result == nil {
		result = waitErr
	}
	opts.TransferComplete(result)
	return result
}

// runCoordinator implements spec.md §4.3's coordinator loop: call
// Execute, advance by bytes-moved-plus-gap, invoke RangeComplete,
// repeat while not at end of transfer and nothing has latched an
// error.
func runCoordinator(ctx context.Context, session archive.ParallelIO, offset, length int64, rangeComplete RangeCompleteFunc, gap GapFunc, latch *errlatch.Latch) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := session.Execute(ctx, offset, length)
		if err != nil {
			latch.Fail(err)
			return err
		}

		if res.GapLength > 0 && gap != nil {
			if err := gap(offset+res.BytesMoved, res.GapLength); err != nil {
				latch.Fail(err)
				return err
			}
		}

		moved := res.BytesMoved + res.GapLength
		offset += moved
		length -= moved

		if latch.Err() != nil {
			return latch.Err()
		}

		nextOffset, nextLength, eot, err := rangeComplete(offset, length)
		if err != nil {
			latch.Fail(err)
			return err
		}
		offset, length = nextOffset, nextLength

		// The archive's distinguished "end requested" status is
		// normalized to success here, before anything consults the
		// latch (spec.md §9).
		if eot || res.EndRequested {
			return nil
		}
	}
}

// runMover implements spec.md §4.3's mover role: register once, relay
// every archive callout to DataCallout until the archive stops calling
// (because the coordinator ended the session, or the callout itself
// asked to terminate).
func runMover(ctx context.Context, session archive.ParallelIO, blockSize int64, callout archive.DataCallout, latch *errlatch.Latch) error {
	err := session.RegisterMover(ctx, blockSize, func(buf []byte, offset int64) (int, bool, error) {
		if latch.Err() != nil {
			return 0, true, latch.Err()
		}
		n, terminate, err := callout(buf, offset)
		if err != nil {
			latch.Fail(err)
			xlog.Debugf(nil, "pio: data callout at offset %d failed: %v", offset, err)
		}
		return n, terminate, err
	})
	if err != nil {
		latch.Fail(err)
	}
	return err
}
