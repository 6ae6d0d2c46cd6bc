// Package cksm computes an MD5 digest over archive data by riding the
// same parallel-I/O coordinator/mover split as RETR, but folding bytes
// into a running hash instead of posting them back to the frame. A
// whole-file digest is served from (and persisted to) the archive's
// user-defined-attribute store when the caller supplies one; a
// partial-range request always runs the digest fresh and is never
// cached, since the attribute store only ever records a whole-file
// checksum.
//
// Grounded on original_source/module/gridftp_dsi_hpss_checksum.c for
// the cache/invalidate contract, and on internal/retr for the mover
// shape (archive-side reads are strictly sequential by offset, so no
// reordering buffer is needed here the way STOR needs one on the frame
// side).
package cksm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ncw-hpss/gridftp-hpss-dsi/archive"
	"github.com/ncw-hpss/gridftp-hpss-dsi/frame"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/errlatch"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/markers"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/pio"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/rangelist"
)

// ChecksumAlgorithm is the only digest this core computes; the UDA
// record stores it verbatim so a later GetChecksum can confirm it
// still matches what was asked for.
const ChecksumAlgorithm = "md5"

// checksumApp is the value the original DSI stamps into the UDA
// record's "app" tuple, identifying which component last wrote it.
const checksumApp = "GridFTP"

// Options configures one CKSM pass.
type Options struct {
	Session     frame.Session
	File        archive.File
	FrameRanges []rangelist.FrameRange
	FileSize    int64
	Path        string

	// Attrs, if non-nil, is consulted for a cached whole-file digest
	// before doing any work, and updated with a freshly computed one
	// afterward.
	Attrs archive.AttrStore
	// UDAChecksumSupport gates whether a freshly computed whole-file
	// digest is persisted; a cached hit is still honored either way.
	UDAChecksumSupport bool
}

// Run computes the digest over the requested range(s) and returns it
// as a lowercase hex string. It does not call BeginTransfer or
// FinishedTransfer: CKSM is a command/response exchange, not a data
// channel transfer; progress is reported by a markers.Ticker that Run
// starts and stops itself, and the command's terminal response is the
// returned digest itself. The file is closed once a digest pass over
// the archive has run; a cached digest is returned without touching
// the file.
func Run(ctx context.Context, opts Options) (string, error) {
	list, err := rangelist.FillForCksm(opts.FrameRanges, opts.FileSize)
	if err != nil {
		return "", err
	}
	allRanges := list.All()
	wholeFile := isWholeFile(allRanges, opts.FileSize)

	if wholeFile && opts.Attrs != nil {
		if rec, ok, err := opts.Attrs.GetChecksum(ctx, opts.Path); err == nil && ok {
			if rec.State == "Valid" && rec.Algorithm == ChecksumAlgorithm && rec.FileSize == opts.FileSize {
				return rec.Checksum, nil
			}
		}
	}

	if len(allRanges) == 0 {
		sum := md5.Sum(nil)
		digest := hex.EncodeToString(sum[:])
		persist(ctx, opts, wholeFile, digest)
		return digest, nil
	}

	blockSize, err := opts.Session.BlockSize()
	if err != nil {
		return "", err
	}
	first, _ := list.Pop()

	e := &Engine{
		hash:         md5.New(),
		allRanges:    allRanges,
		ranges:       list,
		currentRange: first,
		latch:        &errlatch.Latch{},
	}

	tickerCtx, cancelTicker := context.WithCancel(ctx)
	defer cancelTicker()
	ticker := markers.NewTicker(opts.Session, e.progress)
	go ticker.Run(tickerCtx)

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
	closeErr := opts.File.Close()
	if result == nil {
		result = closeErr
	}
	if result != nil {
		return "", result
	}

	digest := hex.EncodeToString(e.hash.Sum(nil))
	persist(ctx, opts, wholeFile, digest)
	return digest, nil
}

func persist(ctx context.Context, opts Options, wholeFile bool, digest string) {
	if !wholeFile || opts.Attrs == nil || !opts.UDAChecksumSupport {
		return
	}
	_ = opts.Attrs.PutChecksum(ctx, opts.Path, archive.ChecksumRecord{
		Algorithm:  ChecksumAlgorithm,
		Checksum:   digest,
		LastUpdate: time.Now().Unix(),
		State:      "Valid",
		App:        checksumApp,
		FileSize:   opts.FileSize,
	})
}

func isWholeFile(ranges []rangelist.Range, fileSize int64) bool {
	return len(ranges) == 1 && ranges[0].Offset == 0 && ranges[0].Length == fileSize
}

// Engine holds the mutable state of one in-progress digest pass: the
// running hash, the remaining range list, and enough bookkeeping to
// report cumulative progress to a markers.Ticker.
type Engine struct {
	mu   sync.Mutex
	hash interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
	bytesDigested int64

	latch *errlatch.Latch

	allRanges    []rangelist.Range
	ranges       *rangelist.List
	currentRange rangelist.Range
}

// progress reports cumulative bytes folded into the hash so far, for
// markers.Ticker.
func (e *Engine) progress() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bytesDigested
}

// moverCallout is the archive.DataCallout for a digest pass: archive
// reads arrive strictly in offset order, so bytes are folded into the
// hash exactly as delivered.
func (e *Engine) moverCallout(buf []byte, archiveOffset int64) (int, bool, error) {
	if err := e.latch.Err(); err != nil {
		return 0, true, err
	}
	e.mu.Lock()
	e.hash.Write(buf)
	e.bytesDigested += int64(len(buf))
	e.mu.Unlock()
	return len(buf), false, nil
}

// gapFill folds gapLength zero bytes into the hash for an
// archive-reported hole, keeping the digest consistent with what RETR
// would deliver to a client reading the same range.
func (e *Engine) gapFill(fileOffset, gapLength int64) error {
	const chunkSize = 1 << 16
	zero := make([]byte, chunkSize)

	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := gapLength
	for remaining > 0 {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		e.hash.Write(zero[:n])
		remaining -= n
	}
	e.bytesDigested += gapLength
	return nil
}

// rangeComplete implements pio.RangeCompleteFunc: advance to the next
// disjoint range once the current one is fully digested.
func (e *Engine) rangeComplete(offset, length int64) (int64, int64, bool, error) {
	if length > 0 {
		return offset, length, false, nil
	}

	e.mu.Lock()
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
