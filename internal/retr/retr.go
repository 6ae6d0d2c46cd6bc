// Package retr drives one RETR transfer: the archive-side mover
// callout hands the core a block already read at a known file offset,
// the core stages it through the buffer pool and posts it to the frame
// at the translated transfer offset, and any archive-reported hole is
// synthesized as a zero-filled write rather than replayed recursively.
//
// The hole synthesis is the Go-native replacement for spec.md §9's
// note about the original's recursive self-invocation for sparse
// regions: here a hole is just another write, dispatched from the same
// coordinator goroutine that discovered it.
package retr

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

// Options configures one RETR transfer.
type Options struct {
	Session     frame.Session
	File        archive.File
	FrameRanges []rangelist.FrameRange
	// FileSize clips any open-ended frame range; RETR always reads from
	// an existing file, so this must be the file's current size.
	FileSize int64
}

// Run drives a full RETR transfer to completion and reports the result
// to the frame via Session.FinishedTransfer exactly once. It blocks
// until the transfer is complete.
func Run(ctx context.Context, opts Options) error {
	blockSize, err := opts.Session.BlockSize()
	if err != nil {
		opts.Session.FinishedTransfer(err)
		return err
	}

	list, err := rangelist.FillForRetr(opts.FrameRanges, opts.FileSize)
	if err != nil {
		opts.Session.FinishedTransfer(err)
		return err
	}
	allRanges := list.All()

	if len(allRanges) == 0 {
		return runEmpty(ctx, opts)
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
		blockSize:    blockSize,
		ranges:       list,
		allRanges:    allRanges,
		currentRange: first,
		nextOffset:   first.Offset,
		optConn:      optConn,
		latch:        &errlatch.Latch{},
	}
	e.cond = sync.NewCond(&e.mu)

	if err := opts.Session.BeginTransfer(ctx, frame.MaskRetr); err != nil {
		opts.Session.FinishedTransfer(err)
		return err
	}

	result := pio.Run(ctx, pio.Options{
		OpType:           archive.OpRead,
		File:             opts.File,
		BlockSize:        blockSize,
		InitialOffset:    first.Offset,
		InitialLength:    first.Length,
		DataCallout:      e.moverCallout,
		RangeComplete:    e.rangeComplete,
		Gap:              e.gapFill,
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

// runEmpty handles a RETR whose range list covers nothing (an
// already-empty file, or a range wholly past EOF): nothing to send,
// the file is still opened and closed for symmetry with a normal
// transfer.
func runEmpty(ctx context.Context, opts Options) error {
	if err := opts.Session.BeginTransfer(ctx, frame.MaskRetr); err != nil {
		opts.Session.FinishedTransfer(err)
		return err
	}
	closeErr := opts.File.Close()
	opts.Session.FinishedTransfer(closeErr)
	return closeErr
}

// Engine holds the mutable state of one in-progress RETR transfer.
type Engine struct {
	sess      frame.Session
	pool      *bufpool.Pool
	blockSize int64

	allRanges []rangelist.Range

	mu    sync.Mutex
	cond  *sync.Cond
	latch *errlatch.Latch

	ranges            *rangelist.List
	currentRange      rangelist.Range
	rangeTransferBase int64
	lastRestartOffset int64
	nextOffset        int64

	optConn  int
	inFlight int
}

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

// writeCallback builds the frame.WriteCallback for one posted write,
// releasing its buffer back to the free list once the frame has
// accepted (or rejected) it.
func (e *Engine) writeCallback(b *bufpool.Buffer, handle uuid.UUID) frame.WriteCallback {
	return func(err error) {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()

		if !e.pool.Validate(b, handle) {
			xlog.Errorf(nil, "retr: write completion for a buffer handle the pool no longer recognizes")
			e.fail(bufpool.ErrStaleHandle)
		} else {
			e.pool.ReleaseFree(b)
		}
		if err != nil {
			e.fail(err)
		}

		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

// moverCallout is the archive.DataCallout for a RETR: buf already holds
// len(buf) bytes read from the archive at archiveOffset. It stages them
// through a pool buffer and posts them to the frame at the translated
// transfer offset.
func (e *Engine) moverCallout(buf []byte, archiveOffset int64) (int, bool, error) {
	if err := e.latch.Err(); err != nil {
		return 0, true, err
	}
	if len(buf) == 0 {
		return 0, false, nil
	}

	e.mu.Lock()
	expected := e.nextOffset
	e.mu.Unlock()
	if archiveOffset != expected {
		err := errors.Errorf("retr: protocol violation: mover callout at offset %d, expected %d", archiveOffset, expected)
		e.fail(err)
		return 0, true, err
	}

	transferOffset, err := rangelist.FileToTransfer(e.allRanges, archiveOffset)
	if err != nil {
		e.fail(err)
		return 0, true, err
	}

	b, err := e.pool.GetOrAlloc(context.Background(), e.refreshOptimal)
	if err != nil {
		e.fail(err)
		return 0, true, err
	}
	n := copy(b.Data, buf)
	handle := b.Handle()

	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()

	if err := e.sess.RegisterWrite(context.Background(), b.Data[:n], transferOffset, n, e.writeCallback(b, handle)); err != nil {
		e.pool.ReleaseFree(b)
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
		e.fail(err)
		return 0, true, err
	}

	e.mu.Lock()
	e.nextOffset = archiveOffset + int64(n)
	e.mu.Unlock()

	markers.Perf(e.sess, archiveOffset, int64(n))
	return n, false, nil
}

// gapFill synthesizes zero-filled writes covering an archive-reported
// hole, chunked to the pool's buffer size.
func (e *Engine) gapFill(fileOffset, gapLength int64) error {
	transferOffset, err := rangelist.FileToTransfer(e.allRanges, fileOffset)
	if err != nil {
		return err
	}

	remaining := gapLength
	off := transferOffset
	for remaining > 0 {
		chunk := remaining
		if e.blockSize > 0 && chunk > e.blockSize {
			chunk = e.blockSize
		}

		if err := e.latch.Err(); err != nil {
			return err
		}

		b, err := e.pool.GetOrAlloc(context.Background(), e.refreshOptimal)
		if err != nil {
			return err
		}
		for i := int64(0); i < chunk; i++ {
			b.Data[i] = 0
		}
		handle := b.Handle()

		e.mu.Lock()
		e.inFlight++
		e.mu.Unlock()

		if err := e.sess.RegisterWrite(context.Background(), b.Data[:chunk], off, int(chunk), e.writeCallback(b, handle)); err != nil {
			e.pool.ReleaseFree(b)
			e.mu.Lock()
			e.inFlight--
			e.mu.Unlock()
			return err
		}

		off += chunk
		remaining -= chunk
	}

	e.mu.Lock()
	e.nextOffset = fileOffset + gapLength
	e.mu.Unlock()
	return nil
}

// rangeComplete implements pio.RangeCompleteFunc for RETR: identical
// restart-marker and range-advance shape to the STOR engine.
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
		e.nextOffset = next.Offset
	}
	e.mu.Unlock()

	if !ok {
		return 0, 0, true, nil
	}
	return next.Offset, next.Length, false, nil
}

// drainInFlight blocks until every posted-but-not-yet-completed frame
// write has resolved.
func (e *Engine) drainInFlight() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.inFlight > 0 {
		e.cond.Wait()
	}
}
