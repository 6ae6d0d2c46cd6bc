// Package frame declares the contract the core pump uses to talk back
// to the host wide-area file-transfer server. It is the Go shape of
// spec.md §6's external interface table: everything here is a
// collaborator the core calls through, never something the core
// implements — session setup, directory operations, logging, and the
// wire protocol itself all live on the other side of this interface.
package frame

import (
	"context"
	"time"
)

// ReadCallback is invoked by the frame once a previously registered
// read completes. offset is the transfer-space byte offset the
// returned bytes belong at — the frame's parallel TCP streams can
// complete out of order, so this is not necessarily the order reads
// were posted in. n is the number of valid bytes placed in the buffer
// passed to RegisterRead; eof is true once the client has no more data
// for this transfer.
type ReadCallback func(offset int64, n int, eof bool, err error)

// WriteCallback is invoked by the frame once a previously registered
// write has been accepted (or has failed).
type WriteCallback func(err error)

// TransferMask describes which direction(s) a transfer covers, passed
// to BeginTransfer.
type TransferMask int

const (
	// MaskStor marks a frame -> archive transfer.
	MaskStor TransferMask = 1 << iota
	// MaskRetr marks an archive -> frame transfer.
	MaskRetr
)

// Range is one (offset, length) pair as the frame expresses a transfer
// range; Length == -1 is the frame's "to end of file" sentinel.
type Range struct {
	Offset int64
	Length int64
}

// Session is the subset of the frame's callback surface the core
// depends on for one in-flight transfer. A concrete implementation is
// supplied by the host process; the core never constructs one itself.
type Session interface {
	// RegisterRead posts a request for the frame to fill buf with the
	// next bytes of client-supplied payload, invoking cb when it is
	// ready (or on error/EOF). It does not block past the request
	// being queued.
	RegisterRead(ctx context.Context, buf []byte, cb ReadCallback) error

	// RegisterWrite posts buf[:length] to be delivered to the client at
	// the given transfer offset, invoking cb once the frame has
	// accepted (or rejected) it.
	RegisterWrite(ctx context.Context, buf []byte, offset int64, length int, cb WriteCallback) error

	// BeginTransfer tells the frame a transfer of the given direction
	// mask is starting.
	BeginTransfer(ctx context.Context, mask TransferMask) error

	// FinishedTransfer reports the terminal result of the transfer.
	// Called exactly once per send/recv/cksm invocation.
	FinishedTransfer(result error)

	// OptimalConcurrency returns the frame's current preferred number
	// of concurrently in-flight reads/writes.
	OptimalConcurrency() (int, error)

	// BlockSize returns the unit size the frame prefers to exchange
	// buffers in.
	BlockSize() (int64, error)

	// ReadRange returns the next write-direction range the frame wants
	// serviced (used by RETR to know what to send).
	ReadRange() (Range, error)

	// WriteRange returns the next read-direction range the frame has
	// data for (used by STOR to know what to expect).
	WriteRange() (Range, error)

	// IntermediateCommand reports a non-terminal status update for a
	// long-running command (used by CKSM's progress marker).
	IntermediateCommand(result error, msg string) error

	// UpdatePerfMarkers reports incremental progress.
	UpdatePerfMarkers(offset, length int64)

	// UpdateRestartMarkers reports a checkpoint the client may resume
	// from.
	UpdateRestartMarkers(offset, length int64)

	// UpdateInterval returns how often periodic progress (perf
	// markers, CKSM intermediate responses) should be reported.
	UpdateInterval() (time.Duration, error)
}

// CommandVerb identifies a SITE/command-surface verb the core
// dispatches but does not itself implement.
type CommandVerb string

const (
	VerbMkdir    CommandVerb = "mkdir"
	VerbRmdir    CommandVerb = "rmdir"
	VerbDelete   CommandVerb = "delete"
	VerbRename   CommandVerb = "rename"
	VerbChmod    CommandVerb = "chmod"
	VerbChgrp    CommandVerb = "chgrp"
	VerbUtime    CommandVerb = "utime"
	VerbSymlink  CommandVerb = "symlink"
	VerbTruncate CommandVerb = "truncate"
	VerbCksm     CommandVerb = "cksm"
	VerbStage    CommandVerb = "stage"
)

// CommandDelegate forwards the command verbs this core does not itself
// implement (§1 "Out of scope") to the host's own collaborators. The
// core's own digest engine is reached through the session table's Cksm
// entry; a cksm verb dispatched as a command is forwarded to the
// CommandDelegate like the other verbs.
type CommandDelegate interface {
	Delegate(ctx context.Context, verb CommandVerb, args []string) (response string, err error)
}

// SessionInfo is the input to session init: the identity the frame has
// already authenticated, plus the requested home directory.
type SessionInfo struct {
	AuthenticatedUser string
	Home              string
}

// CommandAdder lets the core register the custom SITE STAGE verb (§6
// "Custom command surface") with the frame at load time.
type CommandAdder interface {
	AddCommand(verb, usage string, minArgc, maxArgc int, hasPathname bool) error
}
