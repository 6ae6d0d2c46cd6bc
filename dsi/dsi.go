// Package dsi is the session scaffold and external entry-point table:
// the one place that owns mutable per-session state (spec.md §9's
// redesign away from a process-wide global config) and wires the
// frame-facing verb table to the STOR/RETR/CKSM engines underneath.
//
// The Table this package returns mirrors the shape of rclone's
// fs.RegInfo registration: a struct of plain function values the host
// process calls into, rather than an interface the host must further
// adapt.
package dsi

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/ncw-hpss/gridftp-hpss-dsi/archive"
	"github.com/ncw-hpss/gridftp-hpss-dsi/dsi/config"
	"github.com/ncw-hpss/gridftp-hpss-dsi/frame"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/cksm"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/openpolicy"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/rangelist"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/retr"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/stor"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/xlog"
)

// Session is the sole holder of mutable state for one authenticated
// connection: the parsed config and the identity the frame has already
// authenticated. Nothing in this core reads process-wide globals.
type Session struct {
	mu     sync.Mutex
	cfg    *config.Config
	info   frame.SessionInfo
	opener archive.Opener
}

// New builds a Session for an already-authenticated connection,
// loading this core's own config file (dsi/config.Locate's search
// order). opener is the archive's open primitive; it may be nil for a
// session that only ever receives already-open archive.File values
// (e.g. from a host harness that owns opening itself), in which case
// OpenForWrite/OpenForRead are not usable.
func New(info frame.SessionInfo, opener archive.Opener) (*Session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "dsi: session init")
	}
	return &Session{cfg: cfg, info: info, opener: opener}, nil
}

// OpenForWrite opens an archive file for a STOR, building creation
// hints from the frame's advertised allocation size (spec.md §4.7) and
// re-applying them to an existing, truncated file whose fileset does
// not already pin a storage class.
func (s *Session) OpenForWrite(ctx context.Context, path string, allocSize int64, truncate bool) (archive.File, error) {
	hints := openpolicy.HintsFor(allocSize)
	file, err := s.opener.OpenForWrite(ctx, path, hints, truncate)
	if err != nil {
		return nil, errors.Wrapf(err, "dsi: open %s for write", path)
	}
	if openpolicy.ShouldReapplyHints(truncate, file.FilesetPinsClass()) {
		if err := file.SetClassByHints(ctx, hints); err != nil {
			_ = file.Close()
			return nil, errors.Wrapf(err, "dsi: reapply hints to %s", path)
		}
	}
	return file, nil
}

// OpenForRead opens an archive file for a RETR or CKSM. No creation
// hints apply to a read-only open (spec.md §4.7).
func (s *Session) OpenForRead(ctx context.Context, path string) (archive.File, error) {
	file, err := s.opener.OpenForRead(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "dsi: open %s for read", path)
	}
	return file, nil
}

// Config returns the session's parsed configuration.
func (s *Session) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Table is the full set of entry points the frame calls into for one
// session. Each field is independently nil-safe to call concurrently;
// none of them share mutable state beyond what Session itself holds.
type Table struct {
	// Send implements a RETR: archive file -> frame.
	Send func(ctx context.Context, sess frame.Session, file archive.File, ranges []rangelist.FrameRange) error
	// Recv implements a STOR: frame -> archive file.
	Recv func(ctx context.Context, sess frame.Session, file archive.File, ranges []rangelist.FrameRange, attrs archive.AttrStore, path string) error
	// Cksm implements a CKSM digest command.
	Cksm func(ctx context.Context, sess frame.Session, file archive.File, ranges []rangelist.FrameRange, attrs archive.AttrStore, path string) (string, error)
	// Command dispatches a command-surface verb this core does not
	// itself own to delegate, except SITE STAGE which is handled here.
	Command func(ctx context.Context, verb frame.CommandVerb, args []string, delegate frame.CommandDelegate) (string, error)
	// Destroy releases any session-scoped resources.
	Destroy func()
}

// Table builds the session's entry-point table, closing over s so
// every call sees the same config.
func (s *Session) Table() Table {
	return Table{
		Send: s.send,
		Recv: s.recv,
		Cksm: s.cksm,
		Command: s.command,
		Destroy: func() {},
	}
}

func (s *Session) send(ctx context.Context, sess frame.Session, file archive.File, ranges []rangelist.FrameRange) error {
	size, err := file.Size()
	if err != nil {
		return errors.Wrap(err, "dsi: send")
	}
	return retr.Run(ctx, retr.Options{
		Session:     sess,
		File:        file,
		FrameRanges: ranges,
		FileSize:    size,
	})
}

func (s *Session) recv(ctx context.Context, sess frame.Session, file archive.File, ranges []rangelist.FrameRange, attrs archive.AttrStore, path string) error {
	return stor.Run(ctx, stor.Options{
		Session:     sess,
		File:        file,
		FrameRanges: ranges,
		Attrs:       attrs,
		Path:        path,
	})
}

func (s *Session) cksm(ctx context.Context, sess frame.Session, file archive.File, ranges []rangelist.FrameRange, attrs archive.AttrStore, path string) (string, error) {
	size, err := file.Size()
	if err != nil {
		return "", errors.Wrap(err, "dsi: cksm")
	}
	return cksm.Run(ctx, cksm.Options{
		Session:            sess,
		File:               file,
		FrameRanges:        ranges,
		FileSize:           size,
		Path:               path,
		Attrs:              attrs,
		UDAChecksumSupport: s.Config().UDAChecksumSupport,
	})
}

func (s *Session) command(ctx context.Context, verb frame.CommandVerb, args []string, delegate frame.CommandDelegate) (string, error) {
	if verb == frame.VerbStage {
		return s.siteStage(ctx, args)
	}
	return delegate.Delegate(ctx, verb, args)
}

// siteStage answers the custom SITE STAGE verb. args is the full
// command line token list ("SITE", "STAGE", timeout, pathname) per
// the 4/4 argument count registered below; HPSS files are always
// considered already staged (online) from this core's point of view,
// so the response simply acknowledges the request without consulting
// the timeout.
func (s *Session) siteStage(ctx context.Context, args []string) (string, error) {
	if len(args) < 4 {
		return "", errors.New("dsi: SITE STAGE requires a timeout and a pathname")
	}
	timeout, pathname := args[2], args[3]
	xlog.Debugf(pathname, "dsi: SITE STAGE acknowledged (timeout=%s)", timeout)
	return "213 Staged", nil
}

// RegisterCommands adds the SITE STAGE verb to the frame's command
// surface at session setup.
func (s *Session) RegisterCommands(adder frame.CommandAdder) error {
	return adder.AddCommand(string(frame.VerbStage), "SITE STAGE <sp> timeout <sp> path", 4, 4, true)
}
