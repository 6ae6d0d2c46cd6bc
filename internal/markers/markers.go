// Package markers translates buffer movement into the two kinds of
// progress report the frame understands: perf markers (incremental byte
// counts, for progress bars) and restart markers (checkpoints the
// client may resume a failed transfer from).
//
// Neither function may be called while an engine or buffer-pool mutex
// is held — doing so would let a slow frame callback stall every other
// goroutine touching the transfer.
package markers

import (
	"context"
	"strconv"
	"time"

	"github.com/ncw-hpss/gridftp-hpss-dsi/frame"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/xlog"
)

// Perf reports file_offset/byte_count progress for the bytes just
// copied. Rate is controlled by the caller (the spec calls for once
// per mover callout); this function applies no throttling of its own.
func Perf(sess frame.Session, fileOffset, byteCount int64) {
	if byteCount <= 0 {
		return
	}
	sess.UpdatePerfMarkers(fileOffset, byteCount)
}

// Restart reports a transfer-offset checkpoint the client may resume
// from. It must only be called once the corresponding bytes are known
// to have fully reached the archive (STOR) or been delivered to the
// frame (RETR) — i.e. from a range-complete callback, never from the
// per-block mover callout.
func Restart(sess frame.Session, transferOffset, byteCount int64) {
	if byteCount <= 0 {
		return
	}
	sess.UpdateRestartMarkers(transferOffset, byteCount)
}

// Ticker periodically reports cumulative progress as an intermediate
// command response, used by CKSM while it digests a large file. It
// polls the frame's update interval once, when Run starts; callers that
// need the interval to change mid-transfer should start a new Run.
type Ticker struct {
	sess     frame.Session
	progress func() int64
}

// NewTicker builds a progress ticker reporting via sess, sampling
// cumulative progress from progress on each tick.
func NewTicker(sess frame.Session, progress func() int64) *Ticker {
	return &Ticker{sess: sess, progress: progress}
}

// Run blocks, emitting an intermediate command response at the frame's
// configured interval until ctx is done. Errors reporting progress are
// logged and otherwise ignored: a failed progress update must never
// abort the digest itself.
func (t *Ticker) Run(ctx context.Context) {
	interval, err := t.sess.UpdateInterval()
	if err != nil || interval <= 0 {
		return
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n := t.progress()
			if err := t.sess.IntermediateCommand(nil, formatProgress(n)); err != nil {
				xlog.Debugf(nil, "markers: intermediate command report failed: %v", err)
			}
		}
	}
}

func formatProgress(bytes int64) string {
	return "bytes_digested=" + strconv.FormatInt(bytes, 10)
}
