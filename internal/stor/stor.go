// Package stor drives one STOR transfer: bytes arrive from the frame in
// whatever order its parallel TCP streams complete them, land in the
// buffer pool keyed by transfer offset, and the archive-side mover
// callout drains them strictly in the file offset order the archive
// demands. Grounded on original_source/source/module/stor.c's
// stor_transfer_data and the mover/coordinator split in
// internal/pio.
package stor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ncw-hpss/gridftp-hpss-dsi/archive"
	"github.com/ncw-hpss/gridftp-hpss-dsi/frame"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/bufpool"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/errlatch"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/markers"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/pio"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/rangelist"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/xlog"
)

// Options configures one STOR transfer.
type Options struct {
	Session     frame.Session
	File        archive.File
	FrameRanges []rangelist.FrameRange

	// Attrs and Path, if both set, invalidate any cached whole-file
	// digest for the destination at the start of the transfer — a
	// write in progress means whatever checksum is on record can no
	// longer be trusted once this call returns, regardless of outcome.
	Attrs archive.AttrStore
	Path  string
}

// Run drives a full STOR transfer to completion and reports the result
// to the frame via Session.FinishedTransfer exactly once. It blocks
// until the transfer is complete.
func Run(ctx context.Context, opts Options) error {
	if opts.Attrs != nil && opts.Path != "" {
		if err := opts.Attrs.Invalidate(ctx, opts.Path); err != nil {
			xlog.Debugf(opts.Path, "stor: checksum invalidation failed, proceeding anyway: %v", err)
		}
	}

	blockSize, err := opts.Session.BlockSize()
	if err != nil {
		opts.Session.FinishedTransfer(err)
		return err
	}

	list, err := rangelist.FillForStor(opts.FrameRanges)
	if err != nil {
		opts.Session.FinishedTransfer(err)
		return err
	}
	allRanges := list.All()

	if len(allRanges) == 0 {
		return runZeroByte(ctx, opts)
	}

	first, _ := list.Pop()

	optConn, err := opts.Session.OptimalConcurrency()
	if err != nil || optConn < 1 {
		optConn = 1
	}
	capacity := optConn * 2
	if capacity < 2 {
		capacity = 2
	}

	e := &Engine{
		sess:         opts.Session,
		pool:         bufpool.New(int(blockSize), capacity),
		ranges:       list,
		allRanges:    allRanges,
		currentRange: first,
		optConn:      optConn,
		latch:        &errlatch.Latch{},
	}
	e.cond = sync.NewCond(&e.mu)

	if err := opts.Session.BeginTransfer(ctx, frame.MaskStor); err != nil {
		opts.Session.FinishedTransfer(err)
		return err
	}

	result := pio.Run(ctx, pio.Options{
		OpType:           archive.OpWrite,
		File:             opts.File,
		BlockSize:        blockSize,
		InitialOffset:    first.Offset,
		InitialLength:    first.Length,
		DataCallout:      e.moverCallout,
		RangeComplete:    e.rangeComplete,
		TransferComplete: func(error) {},
		Latch:            e.latch,
	})

	e.drainInFlight()

	closeErr := opts.File.Close()
	if result == nil {
		result = closeErr
	}
	opts.Session.FinishedTransfer(result)
	return result
}

// runZeroByte handles a STOR whose range list is empty: the archive
// file is still opened and created, but there is nothing to stripe
// across a parallel-I/O session for. Options carries no allocation
// size, so a zero-length transfer described by an open-ended range
// does not take this path; it runs through the parallel-I/O session
// until the frame reports EOF. A single frame read is issued anyway so a
// client that (incorrectly) has data queued is caught rather than
// silently dropped, per original_source/source/module/stor.c.
func runZeroByte(ctx context.Context, opts Options) error {
	if err := opts.Session.BeginTransfer(ctx, frame.MaskStor); err != nil {
		opts.Session.FinishedTransfer(err)
		return err
	}

	buf := make([]byte, 1)
	done := make(chan error, 1)
	err := opts.Session.RegisterRead(ctx, buf, func(offset int64, n int, eof bool, err error) {
		switch {
		case err != nil:
			done <- err
		case n > 0:
			done <- errors.New("stor: zero-length transfer but frame delivered data")
		default:
			done <- nil
		}
	})
	if err != nil {
		opts.Session.FinishedTransfer(err)
		return err
	}

	result := <-done
	closeErr := opts.File.Close()
	if result == nil {
		result = closeErr
	}
	opts.Session.FinishedTransfer(result)
	return result
}

// Engine holds the mutable state of one in-progress STOR transfer: the
// buffer pool, the remaining range list, and the mutex+condvar pair
// coordinating the archive mover callout with frame read completions.
type Engine struct {
	sess frame.Session
	pool *bufpool.Pool

	allRanges []rangelist.Range // fixed for the life of the transfer; for offset translation

	mu     sync.Mutex
	cond   *sync.Cond
	latch  *errlatch.Latch
	ranges *rangelist.List // not yet started ranges, in order

	currentRange     rangelist.Range
	rangeTransferBase int64 // transfer offset where currentRange begins
	lastRestartOffset int64

	optConn  int
	inFlight int
	eofSeen  bool
}

// fail latches err and wakes anything blocked waiting on progress.
func (e *Engine) fail(err error) {
	e.latch.Fail(err)
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) refreshOptimal() (int, error) {
	n, err := e.sess.OptimalConcurrency()
	if err != nil {
		return 0, err
	}
	if n < 1 {
		n = 1
	}
	e.mu.Lock()
	e.optConn = n
	e.mu.Unlock()
	return n, nil
}

func (e *Engine) wantConcurrency() int {
	if e.optConn < 1 {
		return 1
	}
	return e.optConn
}

// isEOF reports whether the frame has signaled EOF and every posted read
// has completed, so no ready buffer can still arrive: an EOF completion
// may land before an earlier read's data does.
func (e *Engine) isEOF() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eofSeen && e.inFlight == 0
}

// ensureReadsPosted tops up in-flight reads toward the current optimal
// concurrency (floor 1), stopping once the frame has signaled EOF.
//
// This is always called from the mover callout's own goroutine, which
// is also the only goroutine that drains the ready list back into free
// buffers — so it must never block waiting for a buffer. A pool at
// capacity here just means "stop topping up for now"; the caller falls
// back to waitForProgress and tries again once something ready drains.
func (e *Engine) ensureReadsPosted(ctx context.Context) {
	if _, err := e.refreshOptimal(); err != nil {
		xlog.Debugf(nil, "stor: optimal concurrency refresh failed, keeping prior value: %v", err)
	}

	for {
		e.mu.Lock()
		if e.eofSeen || e.latch.Err() != nil || e.inFlight >= e.wantConcurrency() {
			e.mu.Unlock()
			return
		}
		e.inFlight++
		e.mu.Unlock()

		b, err := e.pool.TryGetFree()
		if err != nil {
			e.mu.Lock()
			e.inFlight--
			e.mu.Unlock()
			if err == bufpool.ErrAtCapacity {
				return
			}
			e.fail(err)
			return
		}

		handle := b.Handle()
		if err := e.sess.RegisterRead(ctx, b.Data, e.readCallback(b, handle)); err != nil {
			e.pool.ReleaseFree(b)
			e.mu.Lock()
			e.inFlight--
			e.mu.Unlock()
			e.fail(err)
			return
		}
	}
}

// readCallback builds the frame.ReadCallback for one posted read,
// closing over the buffer it was posted with.
func (e *Engine) readCallback(b *bufpool.Buffer, handle uuid.UUID) frame.ReadCallback {
	return func(offset int64, n int, eof bool, err error) {
		// The read counts as outstanding until its bytes are on the
		// ready list, so isEOF cannot report true before they are.
		defer func() {
			e.mu.Lock()
			e.inFlight--
			if eof {
				e.eofSeen = true
			}
			e.cond.Broadcast()
			e.mu.Unlock()
		}()

		if !e.pool.Validate(b, handle) {
			xlog.Errorf(nil, "stor: read completion for a buffer handle the pool no longer recognizes")
			e.fail(bufpool.ErrStaleHandle)
			return
		}
		if err != nil {
			e.pool.ReleaseFree(b)
			e.fail(err)
			return
		}
		if n > 0 {
			e.pool.ReleaseReady(b, offset, n)
		} else {
			e.pool.ReleaseFree(b)
		}
	}
}

// moverCallout is the archive.DataCallout for a STOR: it drains ready
// buffers at the requested archive (file) offset, translated to
// transfer space, posting more reads and blocking for progress as
// needed.
func (e *Engine) moverCallout(buf []byte, archiveOffset int64) (int, bool, error) {
	if err := e.latch.Err(); err != nil {
		return 0, true, err
	}

	transferOffset, err := rangelist.FileToTransfer(e.allRanges, archiveOffset)
	if err != nil {
		e.fail(err)
		return 0, true, err
	}

	copied := 0
	for copied < len(buf) {
		want := transferOffset + int64(copied)
		b, ok := e.pool.FindReadyByOffset(want)
		if !ok {
			if e.isEOF() {
				break
			}
			if err := e.latch.Err(); err != nil {
				return copied, true, err
			}
			e.ensureReadsPosted(context.Background())
			if err := e.latch.Err(); err != nil {
				return copied, true, err
			}
			e.waitForProgress()
			continue
		}

		n := copy(buf[copied:], b.Data[b.BufferOffset:b.BufferOffset+b.ValidLength])
		copied += n
		if n < b.ValidLength {
			e.pool.ReinsertReady(b, want+int64(n), b.BufferOffset+n, b.ValidLength-n)
		} else {
			e.pool.ReleaseFree(b)
		}
	}

	if copied > 0 {
		markers.Perf(e.sess, archiveOffset, int64(copied))
	}

	terminate := copied < len(buf) && e.isEOF()
	return copied, terminate, nil
}

// waitForProgress blocks until a read completes, EOF is observed, or
// the latch trips. The caller re-checks FindReadyByOffset itself on
// return; this only waits for something to have changed.
func (e *Engine) waitForProgress() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if (e.eofSeen && e.inFlight == 0) || e.latch.Err() != nil {
		return
	}
	e.cond.Wait()
}

// rangeComplete implements the pio.RangeCompleteFunc for STOR: it
// reports a restart marker for every newly confirmed span and, once
// the current range is fully drained, advances to the next one.
func (e *Engine) rangeComplete(offset, length int64) (int64, int64, bool, error) {
	e.mu.Lock()
	consumed := offset - e.currentRange.Offset
	transferOffset := e.rangeTransferBase + consumed
	delta := transferOffset - e.lastRestartOffset
	reportFrom := e.lastRestartOffset
	if delta > 0 {
		e.lastRestartOffset = transferOffset
	}
	e.mu.Unlock()

	if delta > 0 {
		markers.Restart(e.sess, reportFrom, delta)
	}

	if length > 0 {
		return offset, length, false, nil
	}

	e.mu.Lock()
	e.rangeTransferBase += e.currentRange.Length
	next, ok := e.ranges.Pop()
	if ok {
		e.currentRange = next
	}
	e.mu.Unlock()

	if !ok {
		return 0, 0, true, nil
	}
	return next.Offset, next.Length, false, nil
}

// drainInFlight blocks until every posted-but-not-yet-completed frame
// read has resolved. Called after the parallel-I/O session has ended
// but before the archive file is closed, so a late read completion
// never races the close.
func (e *Engine) drainInFlight() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.inFlight > 0 {
		e.cond.Wait()
	}
}
